package runner

import (
	"context"

	"github.com/cutekitek/rankode-exec/internal/repository/dto"
)

type Runner interface {
	// Synchronously executes a request. Build, run, timeout and overflow failures are
	// reported in the result; a returned error means the request could not be executed.
	Run(context.Context, *dto.RunRequest) (*dto.RunResult, error)
}
