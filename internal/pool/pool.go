package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cutekitek/rankode-exec/internal/metrics"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/runner"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("execution queue is full")
	ErrClosed    = errors.New("execution pool is closed")
)

type task struct {
	ctx  context.Context
	req  *dto.RunRequest
	done chan outcome
}

type outcome struct {
	result *dto.RunResult
	err    error
}

// Pool admits requests into a bounded queue drained by a fixed number of workers.
type Pool struct {
	runner runner.Runner
	queue  chan *task
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool
}

var _ runner.Runner = (*Pool)(nil)

func New(r runner.Runner, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{runner: r, queue: make(chan *task, queueSize)}
	for i := 0; i < workers; i++ {
		id := i
		p.group.Go(func() error {
			p.work(id)
			return nil
		})
	}
	slog.Info("worker pool started", "workers", workers, "queue", queueSize)
	return p
}

// Run enqueues the request without blocking and waits for its result.
// A full queue fails fast with ErrQueueFull.
func (p *Pool) Run(ctx context.Context, req *dto.RunRequest) (*dto.RunResult, error) {
	t := &task{ctx: ctx, req: req, done: make(chan outcome, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case p.queue <- t:
	default:
		p.mu.RUnlock()
		metrics.Rejected.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}
	p.mu.RUnlock()
	metrics.QueueDepth.Set(float64(len(p.queue)))

	select {
	case o := <-t.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) work(id int) {
	for t := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))
		if err := t.ctx.Err(); err != nil {
			slog.Debug("skipping abandoned request", "worker", id)
			metrics.Rejected.WithLabelValues("abandoned").Inc()
			t.done <- outcome{err: err}
			continue
		}

		metrics.ActiveWorkers.Inc()
		res, err := p.runner.Run(t.ctx, t.req)
		metrics.ActiveWorkers.Dec()
		t.done <- outcome{result: res, err: err}
	}
}

// Close stops accepting requests and waits for queued and running ones to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	return p.group.Wait()
}
