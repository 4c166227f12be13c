package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

func init() {
	Register("remote", func(cfg *config.EngineConfig) (Converter, error) {
		return NewRemote(cfg)
	})
}

// Remote forwards conversions to an upstream gateway and downloads the files
// it advertises.
type Remote struct {
	client  *resty.Client
	timeout time.Duration
}

// remoteResponse is the subset of the upstream /file_mineru body we use.
type remoteResponse struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	Error        string              `json:"error"`
	Detail       string              `json:"detail"`
	Files        []models.OutputFile `json:"files"`
	DownloadURLs map[string]string   `json:"download_urls"`
}

func (r *remoteResponse) failure() string {
	for _, s := range []string{r.Error, r.Detail, r.Message} {
		if s != "" {
			return s
		}
	}
	return "no error message"
}

// NewRemote creates a Remote converter.
func NewRemote(cfg *config.EngineConfig) (*Remote, error) {
	if strings.TrimSpace(cfg.RemoteURL) == "" {
		return nil, fmt.Errorf("engine.remote_url is required for the remote driver")
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RemoteURL, "/")).
		SetHeader("Accept", "application/json")
	return &Remote{client: client, timeout: timeout}, nil
}

// Name returns the driver name
func (r *Remote) Name() string { return "remote" }

// Convert uploads the task's file upstream, then mirrors the result locally.
func (r *Remote) Convert(ctx context.Context, task Task) (*Document, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	opts := task.Options
	form := map[string]string{
		"pdf_filename": task.Filename,
		"backend":      opts.Backend,
		"formula":      strconv.FormatBool(opts.Formula),
		"table":        strconv.FormatBool(opts.Table),
	}
	if opts.Lang != "" {
		form["lang"] = opts.Lang
	}
	if opts.VLMURL != "" && opts.UsesVLMServer() {
		form["vlm_url"] = opts.VLMURL
	}

	req := r.client.R().
		SetContext(ctx).
		SetFile("file", task.InputPath).
		SetFormData(form).
		SetResult(&remoteResponse{}).
		SetError(&remoteResponse{})
	r.forward(req, task.Caller)

	resp, err := req.Post("/file_mineru")
	if err != nil {
		return nil, r.transportError(ctx, err)
	}
	if resp.IsError() {
		body, _ := resp.Error().(*remoteResponse)
		msg := strings.TrimSpace(resp.String())
		if body != nil && (body.Error != "" || body.Detail != "" || body.Message != "") {
			msg = body.failure()
		}
		return nil, fmt.Errorf("remote engine returned %d: %s", resp.StatusCode(), msg)
	}
	result, _ := resp.Result().(*remoteResponse)
	if result == nil || !result.Success {
		msg := "empty response"
		if result != nil {
			msg = result.failure()
		}
		return nil, fmt.Errorf("remote engine failed: %s", msg)
	}

	outDir, err := os.MkdirTemp("", "ocr-output-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, f := range result.Files {
		if err := r.download(ctx, task.Caller, outDir, f, result.DownloadURLs[f.Name]); err != nil {
			os.RemoveAll(outDir)
			return nil, err
		}
	}

	doc, err := collect(outDir, task.Filename)
	if err != nil {
		os.RemoveAll(outDir)
		return nil, err
	}
	return doc, nil
}

func (r *Remote) download(ctx context.Context, caller Caller, outDir string, f models.OutputFile, url string) error {
	if !localPath(f.Path) {
		return fmt.Errorf("remote engine advertised unsafe path %q", f.Path)
	}
	if url == "" {
		slog.Warn("remote engine advertised a file without a download url", "file", f.Path)
		return nil
	}

	req := r.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	r.forward(req, caller)
	resp, err := req.Get(url)
	if err != nil {
		return r.transportError(ctx, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("failed to download %s: remote returned %d", f.Path, resp.StatusCode())
	}

	dest := filepath.Join(outDir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.Path, err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return r.transportError(ctx, fmt.Errorf("failed to download %s: %w", f.Path, err))
	}
	return out.Close()
}

// forward passes the caller's identity upstream.
func (r *Remote) forward(req *resty.Request, caller Caller) {
	if caller.IP != "" {
		req.SetHeader("X-Forwarded-For", caller.IP)
		req.SetHeader("X-Real-IP", caller.IP)
	}
	if caller.Authorization != "" {
		req.SetHeader("Authorization", caller.Authorization)
	}
}

func (r *Remote) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("remote engine unreachable: %w", err)
}
