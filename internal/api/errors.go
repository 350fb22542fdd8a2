package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/slimpdf/internal/apperr"
	"github.com/yourusername/slimpdf/internal/jobs"
	"github.com/yourusername/slimpdf/internal/ratelimit"
)

// statusFor は分類コードに対応するHTTPステータスです。
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		if errors.Is(err, jobs.ErrFileTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case apperr.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeNotReady:
		return http.StatusConflict
	case apperr.CodeGone:
		return http.StatusGone
	case apperr.CodeProcessingFailed:
		return http.StatusUnprocessableEntity
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.AbortWithStatusJSON(499, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "request was canceled",
		})
		return
	}

	status := statusFor(err)
	var appErr *apperr.Error
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		// 内部エラーの詳細は利用者に返さない
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    apperr.CodeInternal,
			"message": "internal server error",
		})
		return
	}

	body := gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if denied, ok := ratelimit.IsDenied(err); ok {
		d := denied.Decision
		body["limit"] = d.Limit
		body["remaining"] = d.Remaining
		body["reset_at"] = d.ResetAt
		setRateLimitHeaders(c, d)
		c.Header("Retry-After", strconv.FormatInt(h.retryAfter(d), 10))
	}
	c.AbortWithStatusJSON(status, body)
}
