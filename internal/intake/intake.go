// Package intake normalises the three ways a PDF reaches the gateway (a URL,
// a path on the server, a multipart upload) into validated bytes plus a
// display filename.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
)

// DefaultFilename names documents whose URL does not end in a PDF name.
const DefaultFilename = "document.pdf"

var (
	ErrEmpty       = errors.New("document is empty")
	ErrNotPDF      = errors.New("document is not a PDF")
	ErrNotPDFName  = errors.New("file name must end in .pdf")
	ErrNotFound    = errors.New("file not found")
	ErrNoFile      = errors.New("no file provided")
	ErrTooLarge    = errors.New("document exceeds the size limit")
	ErrInvalidURL  = errors.New("invalid pdf_url")
	ErrFetch       = errors.New("failed to fetch document")
	ErrInvalidPath = errors.New("invalid pdf_path")
)

// Source is a received document before it is addressed by content.
type Source struct {
	Data     []byte
	Filename string
}

// WithFilename applies a caller-supplied pdf_filename override.
func (s *Source) WithFilename(override string) *Source {
	if name := SanitizeFilename(override); name != "" {
		s.Filename = name
	}
	return s
}

// Intake reads documents under the configured limits.
type Intake struct {
	client      *resty.Client
	maxDownload int64
	maxUpload   int64
}

// New creates an Intake. maxUploadMB bounds uploads and server paths; URL
// downloads are bounded by cfg.MaxDownloadMB.
func New(cfg *config.IntakeConfig, maxUploadMB int64) *Intake {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Intake{
		client:      resty.New().SetTimeout(timeout).SetHeader("Accept", "application/pdf, */*"),
		maxDownload: cfg.MaxDownloadMB << 20,
		maxUpload:   maxUploadMB << 20,
	}
}

// FromURL downloads a document. Transport failures and non-2xx responses
// wrap ErrFetch.
func (in *Intake) FromURL(ctx context.Context, rawURL string) (*Source, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidURL, rawURL)
	}

	resp, err := in.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w from %s: %v", ErrFetch, u.Redacted(), err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, fmt.Errorf("%w from %s: HTTP %d", ErrFetch, u.Redacted(), resp.StatusCode())
	}

	data, err := readLimited(body, in.maxDownload)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w from %s: %v", ErrFetch, u.Redacted(), err)
	}
	return &Source{Data: data, Filename: FilenameFromURL(u.String())}, nil
}

// FromPath reads a document from the server's filesystem.
func (in *Intake) FromPath(p string) (*Source, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if !strings.EqualFold(filepath.Ext(p), ".pdf") {
		return nil, fmt.Errorf("%w: %s", ErrNotPDFName, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, p)
	}
	if in.maxUpload > 0 && info.Size() > in.maxUpload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return &Source{Data: data, Filename: filepath.Base(p)}, nil
}

// FromUpload reads a multipart upload.
func (in *Intake) FromUpload(fh *multipart.FileHeader) (*Source, error) {
	if fh == nil {
		return nil, ErrNoFile
	}
	name := SanitizeFilename(fh.Filename)
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		return nil, fmt.Errorf("%w: %q", ErrNotPDFName, fh.Filename)
	}
	if in.maxUpload > 0 && fh.Size > in.maxUpload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, fh.Size)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := readLimited(f, in.maxUpload)
	if err != nil {
		return nil, err
	}
	return &Source{Data: data, Filename: name}, nil
}

// FilenameFromURL returns the last path element of the URL when it names a
// PDF, otherwise DefaultFilename.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFilename
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return DefaultFilename
	}
	return name
}

// SanitizeFilename strips any directory components from a client-supplied
// name. It returns "" when nothing usable remains.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// Validate rejects empty and non-PDF content.
func Validate(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, mt.String())
	}
	return nil
}

// PageCount returns the number of pages in a PDF. Damaged files that make
// the parser panic are reported as errors.
func PageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("failed to count pages: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err = api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w of %d MB", ErrTooLarge, max>>20)
	}
	return data, nil
}
