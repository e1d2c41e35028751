// Package consumer turns queue messages into engine requests and engine results into replies.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cutekitek/rankode-exec/internal/files"
	"github.com/cutekitek/rankode-exec/internal/mappers"
	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/pool"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner"
	"github.com/cutekitek/rankode-exec/pkg/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	msgInvalidMessage = "invalid message"
	msgMissingFields  = "Missing language, code, or input"
	msgUnsupported    = "Unsupported language"
	msgInputTooLarge  = "input file is too large"
)

// InputSource resolves input_file references.
type InputSource interface {
	Fetch(ctx context.Context, name string) (string, error)
}

type Handler struct {
	runner runner.Runner
	inputs InputSource
}

// NewHandler builds a handler; inputs may be nil when no object storage is configured.
func NewHandler(r runner.Runner, inputs InputSource) *Handler {
	return &Handler{runner: r, inputs: inputs}
}

// Handle executes one message. It returns an error only when the message should be
// redelivered later, which happens when the execution queue is full.
func (h *Handler) Handle(ctx context.Context, body []byte) (*dto.ExecResponseMessage, error) {
	var msg dto.ExecRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("invalid task message", "body", utils.Preview(string(body), 200), "error", err)
		metrics.Rejected.WithLabelValues("invalid").Inc()
		return mappers.ErrorToMessage("", models.OutcomeInvalidRequest, msgInvalidMessage), nil
	}
	if msg.Id == "" {
		msg.Id = uuid.NewString()
	}

	req, reply := h.request(ctx, &msg)
	if reply != nil {
		return reply, nil
	}
	result, err := h.runner.Run(ctx, req)
	if errors.Is(err, pool.ErrQueueFull) {
		return nil, err
	}
	if err != nil {
		slog.Error("failed to execute message", "id", msg.Id, "error", err)
		return mappers.ErrorToMessage(msg.Id, models.OutcomeInternalError, ""), nil
	}
	return mappers.RunResultToMessage(msg.Id, result), nil
}

// request validates the message; a non-nil reply means it must not be executed.
func (h *Handler) request(ctx context.Context, msg *dto.ExecRequestMessage) (*dto.RunRequest, *dto.ExecResponseMessage) {
	invalid := func(text string) *dto.ExecResponseMessage {
		metrics.Rejected.WithLabelValues("invalid").Inc()
		return mappers.ErrorToMessage(msg.Id, models.OutcomeInvalidRequest, text)
	}
	if msg.Language == "" || msg.Code == "" || (msg.Input == nil && msg.InputFile == "") {
		return nil, invalid(msgMissingFields)
	}
	lang, err := models.ParseLanguage(msg.Language)
	if err != nil {
		return nil, invalid(msgUnsupported)
	}

	req := &dto.RunRequest{Language: lang, Code: msg.Code}
	switch {
	case msg.Input != nil:
		req.Stdin = *msg.Input
	case h.inputs == nil:
		return nil, invalid("input_file is not supported without object storage")
	default:
		stdin, err := h.inputs.Fetch(ctx, msg.InputFile)
		if errors.Is(err, files.ErrPayloadTooLarge) {
			return nil, invalid(msgInputTooLarge)
		}
		if err != nil {
			slog.Error("failed to fetch input file", "id", msg.Id, "file", msg.InputFile, "error", err)
			return nil, mappers.ErrorToMessage(msg.Id, models.OutcomeInternalError, "")
		}
		req.Stdin = stdin
	}
	return req, nil
}
