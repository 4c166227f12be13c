// Package conversion implements the gateway's document conversion endpoints:
// submission by URL, server path or upload, job status and listing, explicit
// retry of failed jobs, and serving of the converted files.
package conversion

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/engine"
	"github.com/ocr-gateway/ocr-gateway/internal/intake"
	"github.com/ocr-gateway/ocr-gateway/internal/services"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"
)

// Handler serves the conversion endpoints.
type Handler struct {
	dispatcher   *services.Dispatcher
	intake       *intake.Intake
	defaults     engine.Options
	downloadBase string
}

// NewHandler creates a Handler. Per-request options are merged over the
// engine defaults in cfg.
func NewHandler(dispatcher *services.Dispatcher, in *intake.Intake, cfg *config.Config) *Handler {
	return &Handler{
		dispatcher:   dispatcher,
		intake:       in,
		defaults:     engine.DefaultOptions(&cfg.Engine),
		downloadBase: cfg.Server.GetDownloadBaseURL(),
	}
}

// conversionResponse is the body of /mineru, /file_mineru and /retry.
type conversionResponse struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	ContentKey   string              `json:"content_key"`
	Status       models.JobStatus    `json:"status"`
	Cached       bool                `json:"cached"`
	Filename     string              `json:"filename"`
	InputPath    string              `json:"input_path"`
	OutputPath   string              `json:"output_path"`
	PageCount    int                 `json:"page_count"`
	OutputChars  int64               `json:"output_chars"`
	Files        []models.OutputFile `json:"files"`
	DownloadURLs map[string]string   `json:"download_urls"`
	MarkdownFile string              `json:"markdown_file,omitempty"`
	Markdown     string              `json:"markdown,omitempty"`
	Error        string              `json:"error,omitempty"`
	Kind         services.Kind       `json:"kind,omitempty"`
}

// Mineru handles POST /mineru
//
// @Summary      Convert a PDF by URL or server path
// @Tags         Conversion
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  conversionResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid input or options"
// @Failure      401  {object}  map[string]interface{}  "Missing or invalid API key"
// @Failure      404  {object}  map[string]interface{}  "pdf_path does not exist"
// @Failure      422  {object}  map[string]interface{}  "pdf_url could not be fetched"
// @Failure      502  {object}  conversionResponse      "Engine failure"
// @Failure      504  {object}  conversionResponse      "Engine timeout"
// @Router       /mineru [post]
func (h *Handler) Mineru(c *gin.Context) {
	var req mineruRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &services.Error{Kind: services.KindInput, Err: fmt.Errorf("invalid request body: %w", err)})
		return
	}
	hasURL := strings.TrimSpace(req.PDFURL) != ""
	hasPath := strings.TrimSpace(req.PDFPath) != ""
	if hasURL == hasPath {
		writeError(c, &services.Error{Kind: services.KindInput, Err: errors.New("exactly one of pdf_url or pdf_path is required")})
		return
	}

	var (
		src *intake.Source
		err error
	)
	if hasURL {
		src, err = h.intake.FromURL(c.Request.Context(), req.PDFURL)
	} else {
		src, err = h.intake.FromPath(req.PDFPath)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	h.dispatch(c, services.Request{
		Source:   src.WithFilename(req.PDFFilename),
		Options:  req.apply(h.defaults),
		Caller:   callerFrom(c),
		Endpoint: services.EndpointMineru,
	})
}

// FileMineru handles POST /file_mineru
//
// @Summary      Convert an uploaded PDF
// @Tags         Conversion
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        file          formData  file    true   "PDF document"
// @Param        pdf_filename  formData  string  false  "Name to store the document under"
// @Param        backend       formData  string  false  "Engine backend"
// @Param        lang          formData  string  false  "Document language"
// @Param        vlm_url       formData  string  false  "VLM server for *-http-client backends"
// @Param        formula       formData  bool    false  "Enable formula parsing"
// @Param        table         formData  bool    false  "Enable table parsing"
// @Success      200  {object}  conversionResponse
// @Failure      400  {object}  map[string]interface{}  "Missing file, non-PDF or invalid options"
// @Router       /file_mineru [post]
func (h *Handler) FileMineru(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, fmt.Errorf("%w: %v", intake.ErrNoFile, err))
		return
	}
	overrides, err := formOverrides(c)
	if err != nil {
		writeError(c, err)
		return
	}
	src, err := h.intake.FromUpload(fh)
	if err != nil {
		writeError(c, err)
		return
	}

	h.dispatch(c, services.Request{
		Source:   src.WithFilename(c.PostForm("pdf_filename")),
		Options:  overrides.apply(h.defaults),
		Caller:   callerFrom(c),
		Endpoint: services.EndpointFileMineru,
	})
}

// Retry handles POST /retry/:content_key
//
// @Summary      Retry a failed conversion
// @Description  Re-runs a failed job from its staged input. The body may override the engine options.
// @Tags         Conversion
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        content_key  path  string  true  "SHA-256 of the document"
// @Success      200  {object}  conversionResponse
// @Failure      404  {object}  map[string]interface{}  "Unknown content key"
// @Failure      409  {object}  map[string]interface{}  "Job is not failed"
// @Router       /retry/{content_key} [post]
func (h *Handler) Retry(c *gin.Context) {
	var overrides optionOverrides
	if err := c.ShouldBindJSON(&overrides); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, &services.Error{Kind: services.KindInput, Err: fmt.Errorf("invalid request body: %w", err)})
		return
	}

	res, err := h.dispatcher.Retry(c.Request.Context(), c.Param("content_key"), overrides.apply(h.defaults), callerFrom(c))
	h.respond(c, res, err)
}

func (h *Handler) dispatch(c *gin.Context, req services.Request) {
	res, err := h.dispatcher.Dispatch(c.Request.Context(), req)
	h.respond(c, res, err)
}

// respond writes a resolved request. A failed job still carries its
// projection, with the error status of its failure.
func (h *Handler) respond(c *gin.Context, res *services.Result, err error) {
	if res == nil {
		writeError(c, err)
		return
	}

	job := res.Job
	body := conversionResponse{
		Success:      err == nil,
		Message:      "processed",
		ContentKey:   job.ContentKey,
		Status:       job.Status,
		Cached:       res.Cached,
		Filename:     res.Filename,
		InputPath:    job.InputRef,
		OutputPath:   storage.OutputDir(job.ContentKey),
		PageCount:    job.PageCount,
		OutputChars:  job.OutputChars,
		Files:        job.Files,
		DownloadURLs: h.downloadURLs(c, job),
	}
	if body.Files == nil {
		body.Files = []models.OutputFile{}
	}
	if res.Cached {
		body.Message = "cached result"
	}

	if err != nil {
		e := services.Classify(err)
		body.Message = e.Error()
		body.Error = e.Error()
		body.Kind = e.Kind
		c.JSON(e.Status(), body)
		return
	}

	md, content, mdErr := h.dispatcher.Markdown(c.Request.Context(), job, res.Filename)
	if mdErr != nil {
		slog.Error("failed to read converted markdown", "content_key", job.ContentKey, "path", md.Path, "error", mdErr)
		writeError(c, mdErr)
		return
	}
	body.MarkdownFile = md.Path
	body.Markdown = content
	c.JSON(http.StatusOK, body)
}

// downloadURLs maps every output file name to its /files link.
func (h *Handler) downloadURLs(c *gin.Context, job *models.Job) map[string]string {
	base := h.downloadBase
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}

	urls := make(map[string]string, len(job.Files))
	for _, f := range job.Files {
		urls[f.Name] = base + "/files/" + escapePath(storage.OutputPath(job.ContentKey, f.Path))
	}
	return urls
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// writeError writes {"error", "kind"} with the status of the classified error.
func writeError(c *gin.Context, err error) {
	e := services.Classify(err)
	if e.Status() >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Request.URL.Path, "kind", e.Kind, "error", e.Err)
	}
	c.JSON(e.Status(), gin.H{
		"error": e.Error(),
		"kind":  e.Kind,
	})
}
