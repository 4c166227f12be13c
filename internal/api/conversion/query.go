// query.go implements the read-only endpoints: job status, job listing and file serving.
package conversion

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/services"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"
	"github.com/ocr-gateway/ocr-gateway/pkg/checksum"
)

// signedURLTTL bounds redirects to cloud storage.
const signedURLTTL = 15 * time.Minute

// statusResponse is the job projection returned by GET /status.
type statusResponse struct {
	*models.Job
	InputPath    string            `json:"input_path"`
	OutputPath   string            `json:"output_path"`
	DownloadURLs map[string]string `json:"download_urls"`
}

// Status handles GET /status/:content_key
//
// @Summary      Job status
// @Tags         Conversion
// @Security     Bearer
// @Produce      json
// @Param        content_key  path  string  true  "SHA-256 of the document"
// @Success      200  {object}  statusResponse
// @Failure      400  {object}  map[string]interface{}  "Malformed content key"
// @Failure      404  {object}  map[string]interface{}  "Unknown content key"
// @Router       /status/{content_key} [get]
func (h *Handler) Status(c *gin.Context) {
	job, err := h.dispatcher.Status(c.Request.Context(), c.Param("content_key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		Job:          job,
		InputPath:    job.InputRef,
		OutputPath:   storage.OutputDir(job.ContentKey),
		DownloadURLs: h.downloadURLs(c, job),
	})
}

// List handles GET /list
//
// @Summary      List jobs
// @Tags         Conversion
// @Security     Bearer
// @Produce      json
// @Param        type  query  string  false  "all, input (queued or running) or output (succeeded or failed)"
// @Success      200  {object}  map[string]interface{}  "type, jobs, input_tasks, output_tasks"
// @Failure      400  {object}  map[string]interface{}  "Invalid type"
// @Router       /list [get]
func (h *Handler) List(c *gin.Context) {
	filter, err := models.ParseJobFilter(c.Query("type"))
	if err != nil {
		writeError(c, &services.Error{Kind: services.KindInput, Err: err})
		return
	}

	jobs, err := h.dispatcher.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}

	inputTasks := []string{}
	outputTasks := []string{}
	for _, j := range jobs {
		if j.Status.IsPending() {
			inputTasks = append(inputTasks, j.ContentKey)
		} else {
			outputTasks = append(outputTasks, j.ContentKey)
		}
	}

	resp := gin.H{
		"type": filter,
		"jobs": jobs,
	}
	if filter != models.JobFilterOutput {
		resp["input_tasks"] = inputTasks
	}
	if filter != models.JobFilterInput {
		resp["output_tasks"] = outputTasks
	}
	c.JSON(http.StatusOK, resp)
}

// ServeFile handles GET /files/*filepath. Local storage streams the file;
// other backends redirect to a short-lived signed URL.
func (h *Handler) ServeFile(c *gin.Context) {
	p, ok := storage.CleanPath(c.Param("filepath"))
	if !ok || !checksum.IsContentKey(keySegment(p)) {
		writeError(c, &services.Error{Kind: services.KindInput, Err: fmt.Errorf("invalid file path %q", c.Param("filepath"))})
		return
	}

	ctx := c.Request.Context()
	store := h.dispatcher.Workspace().Storage()

	if lf, ok := store.(storage.LocalFiler); ok {
		local, err := lf.LocalPath(p)
		if err != nil {
			writeError(c, &services.Error{Kind: services.KindInput, Err: err})
			return
		}
		info, err := os.Stat(local)
		if err != nil || info.IsDir() {
			writeError(c, &services.Error{Kind: services.KindNotFound, Err: fmt.Errorf("file not found: %s", p)})
			return
		}
		c.File(local)
		return
	}

	signed, err := store.SignedURL(ctx, p, signedURLTTL)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, &services.Error{Kind: services.KindNotFound, Err: fmt.Errorf("file not found: %s", p)})
			return
		}
		writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, signed)
}

// keySegment returns the content key of an input/ or output/ path.
func keySegment(p string) string {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
