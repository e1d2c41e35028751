package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/cutekitek/rankode-exec/internal/mappers"
	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/pool"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const (
	msgMissingFields   = "Missing language, code, or input"
	msgUnsupported     = "Unsupported language"
	msgInvalidBody     = "invalid request body"
	msgBodyTooLarge    = "request body too large"
	msgQueueFull       = "execution queue is full"
	msgTooManyRequests = "too many requests"
)

type handler struct {
	runner  runner.Runner
	maxBody int64
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) run(c *gin.Context) {
	if h.maxBody > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	}
	var body dto.RunBody
	if err := c.ShouldBindJSON(&body); err != nil {
		code, msg := bindError(err)
		metrics.Rejected.WithLabelValues("invalid").Inc()
		c.JSON(code, dto.ErrorBody{Error: msg})
		return
	}

	req := &dto.RunRequest{
		Language: models.Language(*body.Language),
		Code:     *body.Code,
		Stdin:    *body.Input,
	}
	result, err := h.runner.Run(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(mappers.RunResultToHTTP(result))
	case errors.Is(err, models.ErrUnsupportedLanguage):
		metrics.Rejected.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, dto.ErrorBody{Error: msgUnsupported})
	case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrClosed):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, dto.ErrorBody{Error: msgQueueFull})
	case c.Request.Context().Err() != nil:
		slog.Debug("client went away", "error", err)
		c.Abort()
	default:
		slog.Error("failed to execute request", "language", req.Language, "error", err)
		c.JSON(mappers.InternalErrorToHTTP())
	}
}

// bindError turns a binding failure into the client-facing status and message.
func bindError(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, msgBodyTooLarge
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return http.StatusBadRequest, msgInvalidBody
	}
	msg := msgUnsupported
	for _, fe := range verrs {
		if fe.Tag() != "oneof" {
			msg = msgMissingFields
			break
		}
	}
	return http.StatusBadRequest, msg
}
