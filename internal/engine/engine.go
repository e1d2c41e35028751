package engine

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cutekitek/rankode-exec/internal/cleanup"
	"github.com/cutekitek/rankode-exec/internal/events"
	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/cutekitek/rankode-exec/internal/toolchain"
	"github.com/cutekitek/rankode-exec/internal/workspace"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrDuplicateJob = errors.New("job id already in use")

type Config struct {
	MaxOutput    int64
	CleanupGrace time.Duration
}

// Engine runs one request through workspace preparation, the toolchain stages and cleanup.
type Engine struct {
	workspace  *workspace.Manager
	toolchains *toolchain.Dispatcher
	sandbox    sandbox.Sandbox
	executor   *runner.Executor
	cleanup    *cleanup.Agent
	events     events.Publisher

	jobs *xsync.MapOf[string, *models.Job]
}

var _ runner.Runner = (*Engine)(nil)

type Option func(*Engine)

func WithEvents(p events.Publisher) Option {
	return func(e *Engine) {
		e.events = p
	}
}

func New(ws *workspace.Manager, tc *toolchain.Dispatcher, sb sandbox.Sandbox, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		workspace:  ws,
		toolchains: tc,
		sandbox:    sb,
		executor:   runner.NewExecutor(cfg.MaxOutput),
		events:     events.Nop{},
		jobs:       xsync.NewMapOf[string, *models.Job](),
	}
	e.cleanup = cleanup.New(cfg.CleanupGrace, cleanup.WithOnDone(e.forget))
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes the request to completion. Cancelling ctx does not stop a job that
// already started; the stage deadlines do.
func (e *Engine) Run(ctx context.Context, req *dto.RunRequest) (*dto.RunResult, error) {
	if !req.Language.Valid() {
		return nil, errors.Wrapf(models.ErrUnsupportedLanguage, "%q", req.Language)
	}
	ctx = context.WithoutCancel(ctx)
	started := time.Now()

	job, err := e.workspace.Prepare(ctx, req.Language, req.Code, req.Stdin)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare workspace")
	}
	if _, loaded := e.jobs.LoadOrStore(job.ID, job); loaded {
		// the files belong to this call; the live job with the same id keeps its own
		for _, path := range job.Files() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to remove job file", "job", job.ID, "path", path, "error", err)
			}
		}
		return nil, errors.Wrap(ErrDuplicateJob, job.ID)
	}
	metrics.LiveJobs.Inc()
	e.publish(job, job.Status(), "")
	job.OnTransition(func(j *models.Job, s models.JobStatus) {
		if !s.Terminal() {
			e.publish(j, s, "")
		}
	})

	result, err := e.execute(ctx, job)
	if err != nil {
		slog.Error("job failed", "job", job.ID, "language", job.Language, "error", err)
		if !job.Status().Terminal() {
			job.Transition(models.JobStatusFailed)
		}
		e.finish(job, models.OutcomeInternalError)
		return nil, err
	}

	e.finish(job, result.Kind)
	for _, st := range result.Stages {
		metrics.StageDuration.WithLabelValues(string(job.Language), st.Name).Observe(st.Time.Seconds())
		if st.Memory > 0 {
			metrics.StageMemory.WithLabelValues(string(job.Language), st.Name).Observe(float64(st.Memory))
		}
	}
	metrics.JobDuration.WithLabelValues(string(job.Language)).Observe(time.Since(started).Seconds())
	slog.Info("job finished", "job", job.ID, "language", job.Language, "kind", result.Kind, "duration", result.Duration)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, job *models.Job) (*dto.RunResult, error) {
	recipe, err := e.toolchains.Recipe(job)
	if err != nil {
		return nil, err
	}
	session, err := e.sandbox.Open(ctx, job)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sandbox")
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("failed to close sandbox session", "job", job.ID, "error", err)
		}
	}()
	return e.executor.Execute(ctx, session, recipe, job)
}

// finish reports the terminal status and hands the job to the cleanup agent.
func (e *Engine) finish(job *models.Job, kind models.Outcome) {
	metrics.JobsTotal.WithLabelValues(string(job.Language), string(kind)).Inc()
	e.publish(job, job.Status(), kind)
	if err := e.cleanup.Schedule(job); err != nil {
		slog.Error("failed to schedule cleanup", "job", job.ID, "error", err)
	}
}

func (e *Engine) forget(job *models.Job) {
	e.jobs.Delete(job.ID)
	metrics.LiveJobs.Dec()
}

func (e *Engine) publish(job *models.Job, status models.JobStatus, kind models.Outcome) {
	e.events.Publish(events.Event{
		JobID:    job.ID,
		Language: job.Language,
		Status:   status.String(),
		Kind:     kind,
		At:       time.Now(),
	})
}

// Live returns the number of jobs whose files are not reclaimed yet.
func (e *Engine) Live() int {
	return e.jobs.Size()
}

// Close runs every pending cleanup immediately.
func (e *Engine) Close() {
	e.cleanup.Flush()
}
