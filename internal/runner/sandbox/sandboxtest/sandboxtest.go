// Package sandboxtest provides a scripted sandbox for tests above the backend layer.
package sandboxtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
)

type Handler func(job *models.Job, cmd sandbox.Cmd) (*sandbox.Result, error)

type Sandbox struct {
	Handler Handler
	// Returned by Open when set.
	OpenErr error

	opened atomic.Int64
	closed atomic.Int64
	mu     sync.Mutex
	cmds   []sandbox.Cmd
}

func New(h Handler) *Sandbox {
	return &Sandbox{Handler: h}
}

// OK answers every command with a successful result carrying stdout.
func OK(stdout string) Handler {
	return func(*models.Job, sandbox.Cmd) (*sandbox.Result, error) {
		return &sandbox.Result{Status: sandbox.StatusOK, Stdout: []byte(stdout)}, nil
	}
}

func (s *Sandbox) Open(_ context.Context, job *models.Job) (sandbox.Session, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.opened.Add(1)
	return &session{sb: s, job: job}, nil
}

func (s *Sandbox) Close() error {
	return nil
}

func (s *Sandbox) Opened() int64 { return s.opened.Load() }
func (s *Sandbox) Closed() int64 { return s.closed.Load() }

// Cmds returns every command executed so far.
func (s *Sandbox) Cmds() []sandbox.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sandbox.Cmd(nil), s.cmds...)
}

type session struct {
	sb  *Sandbox
	job *models.Job
}

func (s *session) Exec(_ context.Context, cmd sandbox.Cmd) (*sandbox.Result, error) {
	s.sb.mu.Lock()
	s.sb.cmds = append(s.sb.cmds, cmd)
	s.sb.mu.Unlock()
	return s.sb.Handler(s.job, cmd)
}

func (s *session) Close() error {
	s.sb.closed.Add(1)
	return nil
}
