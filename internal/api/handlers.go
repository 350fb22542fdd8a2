// Package api は外部向けのHTTPハンドラーを提供します。
package api

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/slimpdf/internal/apperr"
	"github.com/yourusername/slimpdf/internal/auth"
	"github.com/yourusername/slimpdf/internal/jobs"
	"github.com/yourusername/slimpdf/internal/pdf"
	"github.com/yourusername/slimpdf/internal/ratelimit"
)

const bytesPerMB = 1024 * 1024

// JobService はジョブの投入と参照を提供します。*jobs.Manager が実装します。
type JobService interface {
	Submit(ctx context.Context, id auth.Identity, uploads []jobs.Upload, opts jobs.Options) (*jobs.SubmitResult, error)
	GetStatus(ctx context.Context, jobID string) (*jobs.JobView, error)
	GetDownload(ctx context.Context, jobID string) (*jobs.Download, error)
}

// UsageReader は利用回数を増やさずに参照します。*ratelimit.Limiter が実装します。
type UsageReader interface {
	Peek(ctx context.Context, id auth.Identity, tool pdf.Tool) (ratelimit.Decision, error)
}

// Handler はAPIのハンドラー一式です。
type Handler struct {
	jobs   JobService
	usage  UsageReader
	now    func() time.Time
	logger zerolog.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(svc JobService, usage UsageReader, logger zerolog.Logger) *Handler {
	return &Handler{
		jobs:   svc,
		usage:  usage,
		now:    time.Now,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Compress は POST /api/v1/compress のハンドラーです。
// preset か target_size_mb のどちらか一方を受け付けます。
func (h *Handler) Compress(c *gin.Context) {
	form, ok := h.multipartForm(c)
	if !ok {
		return
	}
	defer form.RemoveAll()

	file, err := extractSingleFile(form)
	if err != nil {
		h.respondWithError(c, apperr.Validation(err.Error()))
		return
	}

	opts, err := compressOptions(c.PostForm("preset"), c.PostForm("target_size_mb"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	h.submit(c, []*multipart.FileHeader{file}, opts)
}

// Merge は POST /api/v1/merge のハンドラーです。アップロード順に結合します。
func (h *Handler) Merge(c *gin.Context) {
	form, ok := h.multipartForm(c)
	if !ok {
		return
	}
	defer form.RemoveAll()

	files := extractFiles(form)
	if len(files) == 0 {
		h.respondWithError(c, apperr.Validation("no PDF files were uploaded"))
		return
	}
	h.submit(c, files, jobs.MergeOptions{})
}

// ImageToPDF は POST /api/v1/image-to-pdf のハンドラーです。
func (h *Handler) ImageToPDF(c *gin.Context) {
	form, ok := h.multipartForm(c)
	if !ok {
		return
	}
	defer form.RemoveAll()

	files := extractFiles(form)
	if len(files) == 0 {
		h.respondWithError(c, apperr.Validation("no images were uploaded"))
		return
	}
	h.submit(c, files, jobs.ImageOptions{PageSize: pdf.PageSize(c.PostForm("page_size"))})
}

// JobStatus は GET /api/v1/jobs/:id のハンドラーです。
func (h *Handler) JobStatus(c *gin.Context) {
	view, err := h.jobs.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, view)
}

// JobDownload は GET /api/v1/jobs/:id/download のハンドラーです。
func (h *Handler) JobDownload(c *gin.Context) {
	dl, err := h.jobs.GetDownload(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondWithError(c, err)
		return
	}
	defer dl.Reader.Close()

	encodedName := url.PathEscape(dl.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", dl.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", dl.JobID)
	c.DataFromReader(http.StatusOK, dl.Size, dl.ContentType, dl.Reader, nil)
}

// Usage は GET /api/v1/usage のハンドラーです。回数は増やしません。
func (h *Handler) Usage(c *gin.Context) {
	id := auth.FromContext(c)
	tools := gin.H{}
	for _, tool := range pdf.Tools {
		d, err := h.usage.Peek(c.Request.Context(), id, tool)
		if err != nil {
			h.respondWithError(c, err)
			return
		}
		if d.Unlimited {
			tools[string(tool)] = gin.H{"unlimited": true, "used": d.Used}
			continue
		}
		tools[string(tool)] = gin.H{
			"limit":     d.Limit,
			"used":      d.Used,
			"remaining": d.Remaining,
			"reset_at":  d.ResetAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":  id.Tier,
		"tools": tools,
	})
}

// Health はヘルスチェックのハンドラーです。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "slimpdf-api",
	})
}

func (h *Handler) submit(c *gin.Context, files []*multipart.FileHeader, opts jobs.Options) {
	uploads := make([]jobs.Upload, 0, len(files))
	for _, fh := range files {
		uploads = append(uploads, jobs.Upload{
			Filename: fh.Filename,
			Size:     fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}

	res, err := h.jobs.Submit(c.Request.Context(), auth.FromContext(c), uploads, opts)
	if err != nil {
		h.respondWithError(c, err)
		return
	}

	body := gin.H{
		"job_id": res.JobID,
		"status": res.Status,
	}
	if !res.Decision.Unlimited {
		setRateLimitHeaders(c, res.Decision)
		body["rate_limit"] = gin.H{
			"limit":     res.Decision.Limit,
			"remaining": res.Decision.Remaining,
			"reset_at":  res.Decision.ResetAt,
		}
	}
	c.JSON(http.StatusAccepted, body)
}

func (h *Handler) multipartForm(c *gin.Context) (*multipart.Form, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		h.respondWithError(c, apperr.Validation("send the files as multipart/form-data"))
		return nil, false
	}
	return form, true
}

func (h *Handler) retryAfter(d ratelimit.Decision) int64 {
	secs := int64(d.ResetAt.Sub(h.now()).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// setRateLimitHeaders は上限のあるティアにだけ利用状況のヘッダーを付けます。
func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.Unlimited {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func compressOptions(preset, targetMB string) (jobs.Options, error) {
	preset = strings.TrimSpace(preset)
	targetMB = strings.TrimSpace(targetMB)
	if targetMB == "" {
		return jobs.CompressPreset{Quality: pdf.Quality(preset)}, nil
	}
	if preset != "" {
		return nil, apperr.Validation("specify either preset or target_size_mb, not both")
	}
	mb, err := strconv.ParseFloat(targetMB, 64)
	if err != nil || math.IsNaN(mb) || math.IsInf(mb, 0) || mb <= 0 {
		return nil, apperr.Validation("target_size_mb must be a number greater than zero")
	}
	return jobs.CompressTarget{TargetBytes: int64(mb * bytesPerMB)}, nil
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	var found []*multipart.FileHeader
	for _, key := range []string{"file", "file[]", "files", "files[]"} {
		found = append(found, form.File[key]...)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("select a PDF file to upload")
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("upload exactly one PDF file")
	}
}

func extractFiles(form *multipart.Form) []*multipart.FileHeader {
	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	return files
}
