package cleanup

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/pkg/errors"
)

// Agent removes job files a fixed grace delay after the job reaches a terminal status.
// Removal failures are logged and counted, never retried.
type Agent struct {
	grace  time.Duration
	onDone func(*models.Job)

	mu      sync.Mutex
	pending map[string]*pending
	wg      sync.WaitGroup
}

type pending struct {
	job   *models.Job
	timer *time.Timer
}

type Option func(*Agent)

// WithOnDone sets a callback invoked after a job's files are removed.
func WithOnDone(fn func(*models.Job)) Option {
	return func(a *Agent) {
		a.onDone = fn
	}
}

func New(grace time.Duration, opts ...Option) *Agent {
	a := &Agent{grace: grace, pending: make(map[string]*pending)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Schedule arms the cleanup of a job in a terminal status.
func (a *Agent) Schedule(job *models.Job) error {
	if err := job.Transition(models.JobStatusCleanupScheduled); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[job.ID]; ok {
		return errors.Errorf("cleanup of job %s already scheduled", job.ID)
	}
	a.wg.Add(1)
	p := &pending{job: job}
	a.pending[job.ID] = p
	p.timer = time.AfterFunc(a.grace, func() { a.fire(job.ID) })
	return nil
}

// Pending returns the number of armed cleanups.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush runs every armed cleanup now and waits until all of them, including ones
// already firing, are done.
func (a *Agent) Flush() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.pending))
	for id, p := range a.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.fire(id)
	}
	a.wg.Wait()
}

func (a *Agent) fire(id string) {
	a.mu.Lock()
	p, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !ok {
		return
	}
	defer a.wg.Done()

	job := p.job
	for _, path := range job.Files() {
		removeAll(job, path)
	}
	if err := job.Transition(models.JobStatusCleanedUp); err != nil {
		slog.Error("cleanup transition failed", "job", job.ID, "error", err)
	}
	slog.Debug("job cleaned up", "job", job.ID)
	if a.onDone != nil {
		a.onDone(job)
	}
}

// removeAll removes a path or every match of a glob pattern.
func removeAll(job *models.Job, pattern string) {
	paths := []string{pattern}
	if strings.ContainsAny(pattern, "*?[") {
		var err error
		paths, err = filepath.Glob(pattern)
		if err != nil {
			slog.Warn("bad cleanup pattern", "job", job.ID, "pattern", pattern, "error", err)
			metrics.CleanupFailures.Inc()
			return
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to remove job file", "job", job.ID, "path", p, "error", err)
			metrics.CleanupFailures.Inc()
		}
	}
}
