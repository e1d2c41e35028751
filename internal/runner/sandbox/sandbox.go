// Package sandbox defines the contract between the engine and the isolation backends
// that actually start build and run processes.
package sandbox

import (
	"context"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
)

type Status int8

const (
	StatusOK Status = iota
	StatusNonzeroExit
	StatusSignalled
	StatusTimeLimitExceeded
	StatusOutputLimitExceeded
	StatusMemoryLimitExceeded
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNonzeroExit:
		return "nonzero_exit"
	case StatusSignalled:
		return "signalled"
	case StatusTimeLimitExceeded:
		return "time_limit_exceeded"
	case StatusOutputLimitExceeded:
		return "output_limit_exceeded"
	case StatusMemoryLimitExceeded:
		return "memory_limit_exceeded"
	}
	return "unknown"
}

type Cmd struct {
	// Resolved relative to the session working directory.
	Args []string
	// Host path of the file connected to stdin, empty for no input.
	Stdin   string
	Timeout time.Duration
	// Per stream; exceeding it kills the process.
	MaxOutput int64
}

type Result struct {
	Status   Status
	ExitCode int
	Signal   string
	Stdout   []byte
	Stderr   []byte
	Time     time.Duration
	Memory   uint64
}

// Sandbox opens isolated sessions. A session sees the job's source and input files
// in its working directory and keeps files between Exec calls, so a run stage can use
// what the build stage produced.
type Sandbox interface {
	Open(ctx context.Context, job *models.Job) (Session, error)
	Close() error
}

type Session interface {
	// Exec runs one process to completion. Limit violations are reported in Result;
	// an error means the sandbox itself failed.
	Exec(ctx context.Context, cmd Cmd) (*Result, error)
	Close() error
}
