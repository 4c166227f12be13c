// request.go parses conversion requests and derives the caller identity recorded in usage rows.
package conversion

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ocr-gateway/ocr-gateway/internal/engine"
	"github.com/ocr-gateway/ocr-gateway/internal/middleware"
	"github.com/ocr-gateway/ocr-gateway/internal/services"
)

// optionOverrides are the per-request engine settings. Fields left unset
// keep the configured defaults.
type optionOverrides struct {
	Backend *string `json:"backend"`
	Lang    *string `json:"lang"`
	VLMURL  *string `json:"vlm_url"`
	Formula *bool   `json:"formula"`
	Table   *bool   `json:"table"`
}

// apply returns defaults with the overrides set in o.
func (o optionOverrides) apply(defaults engine.Options) engine.Options {
	opts := defaults
	if o.Backend != nil && *o.Backend != "" {
		opts.Backend = *o.Backend
	}
	if o.Lang != nil && *o.Lang != "" {
		opts.Lang = *o.Lang
	}
	if o.VLMURL != nil && *o.VLMURL != "" {
		opts.VLMURL = *o.VLMURL
	}
	if o.Formula != nil {
		opts.Formula = *o.Formula
	}
	if o.Table != nil {
		opts.Table = *o.Table
	}
	return opts
}

// mineruRequest is the JSON body of POST /mineru. Exactly one of PDFURL and
// PDFPath must be set.
type mineruRequest struct {
	PDFURL      string `json:"pdf_url"`
	PDFPath     string `json:"pdf_path"`
	PDFFilename string `json:"pdf_filename"`
	optionOverrides
}

// formOverrides reads the option fields of a multipart form.
func formOverrides(c *gin.Context) (optionOverrides, error) {
	var o optionOverrides
	for field, dst := range map[string]**string{
		"backend": &o.Backend,
		"lang":    &o.Lang,
		"vlm_url": &o.VLMURL,
	} {
		if v, ok := c.GetPostForm(field); ok {
			v = strings.TrimSpace(v)
			*dst = &v
		}
	}
	for field, dst := range map[string]**bool{
		"formula": &o.Formula,
		"table":   &o.Table,
	} {
		v, ok := c.GetPostForm(field)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return o, fmt.Errorf("%w: %s must be true or false", engine.ErrInvalidOption, field)
		}
		*dst = &b
	}
	return o, nil
}

// callerFrom builds the usage identity of the request.
func callerFrom(c *gin.Context) services.Caller {
	return services.Caller{
		Principal:     middleware.GetPrincipal(c),
		IP:            clientIP(c),
		Authorization: c.GetHeader("Authorization"),
	}
}

// clientIP prefers the first X-Forwarded-For entry, then X-Real-IP, then the
// peer address.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.GetHeader("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}
