package dto

import (
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
)

type RunRequest struct {
	Language models.Language
	Code     string
	// Passed to the program verbatim, may be empty.
	Stdin string
}

type StageReport struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"`
	Time     time.Duration `json:"time"`
	// bytes, zero when the sandbox does not report it
	Memory uint64 `json:"memory,omitempty"`
}

type RunResult struct {
	JobID    string
	Language models.Language
	Kind     models.Outcome
	// Set only on success.
	Output string
	// Stream that produced Output: "stdout" or "stderr".
	Stream string
	// Set only on failure.
	Error    string
	Stages   []StageReport
	Duration time.Duration
}

func (r *RunResult) Succeeded() bool {
	return r.Kind == models.OutcomeSuccess
}
