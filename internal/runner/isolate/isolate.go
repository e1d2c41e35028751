// Package isolate runs stages in boxes managed by the isolate(1) sandbox.
package isolate

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/cutekitek/rankode-exec/pkg/files"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const DefaultExecPath = "isolate"

type Config struct {
	MaxBoxCount int
	ExecPath    string
	// bytes
	MemoryLimit int64
	MaxFileSize int64
	Processes   int
}

type Sandbox struct {
	cfg            Config
	availableBoxes chan int
}

func New(cfg Config) (*Sandbox, error) {
	if cfg.MaxBoxCount <= 0 {
		return nil, ErrNoBoxes
	}
	if cfg.ExecPath == "" {
		cfg.ExecPath = DefaultExecPath
	}
	if cfg.Processes <= 0 {
		cfg.Processes = 64
	}
	if _, err := exec.LookPath(cfg.ExecPath); err != nil {
		return nil, errors.Wrap(err, "isolate is not installed")
	}

	boxes := make(chan int, cfg.MaxBoxCount)
	for i := 0; i < cfg.MaxBoxCount; i++ {
		boxes <- i
	}
	return &Sandbox{cfg: cfg, availableBoxes: boxes}, nil
}

func (s *Sandbox) Close() error {
	return nil
}

// Open waits for a free box, initializes it and copies the job files in.
func (s *Sandbox) Open(ctx context.Context, job *models.Job) (sandbox.Session, error) {
	var boxId int
	select {
	case boxId = <-s.availableBoxes:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { s.availableBoxes <- boxId }

	box, err := NewIsolatedBox(ctx, s.cfg.ExecPath, boxId)
	if err != nil {
		release()
		return nil, errors.Wrap(err, "failed to init box")
	}
	for _, p := range []string{job.SourcePath, job.InputPath} {
		if err := files.CopyFile(p, filepath.Join(box.FilesDir, filepath.Base(p))); err != nil {
			box.Clean(context.Background())
			release()
			return nil, errors.Wrap(err, "failed to copy job files")
		}
	}
	return &session{sb: s, box: box, release: release}, nil
}

type session struct {
	sb      *Sandbox
	box     *IsolatedBox
	release func()
	once    sync.Once
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.box.Clean(context.Background())
		s.release()
	})
	return err
}

func (s *session) Exec(ctx context.Context, c sandbox.Cmd) (*sandbox.Result, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	args := append([]string(nil), c.Args...)
	if filepath.Base(args[0]) == args[0] {
		path, err := exec.LookPath(args[0])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve %s", args[0])
		}
		args[0] = path
	}

	runCtx, kill := context.WithCancel(ctx)
	defer kill()
	stdout := sandbox.NewLimitedBuffer(c.MaxOutput, kill)
	stderr := sandbox.NewLimitedBuffer(c.MaxOutput, kill)

	params := runParams{
		MaxFileSize: s.sb.cfg.MaxFileSize / 1024,
		Timeout:     c.Timeout,
		MemoryLimit: s.sb.cfg.MemoryLimit / 1024,
		Processes:   s.sb.cfg.Processes,
	}
	if c.Stdin != "" {
		params.Stdin = filepath.Base(c.Stdin)
	}
	run, err := s.box.Run(runCtx, params, args...)
	if err != nil {
		return nil, err
	}
	run.Cmd.Stdout = stdout
	run.Cmd.Stderr = stderr

	waitErr := run.Cmd.Run()
	meta, metaErr := run.Meta.Collect()

	res := &sandbox.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if stdout.Overflowed() || stderr.Overflowed() {
		res.Status = sandbox.StatusOutputLimitExceeded
		return res, nil
	}
	if metaErr != nil {
		return nil, errors.Wrapf(metaErr, "isolate failed: %v", waitErr)
	}

	res.Time = meta.RunTime
	res.Memory = uint64(meta.Memory) * 1024
	res.ExitCode = meta.StatusCode
	switch meta.Status {
	case exitStatusOk:
		res.Status = sandbox.StatusOK
	case exitStatusTimeout:
		res.Status = sandbox.StatusTimeLimitExceeded
	case exitStatusOutOfMemory:
		res.Status = sandbox.StatusMemoryLimitExceeded
	case exitStatusRuntimeError:
		res.Status = sandbox.StatusNonzeroExit
	case exitStatusSignal:
		res.Status = sandbox.StatusSignalled
		res.Signal = unix.SignalName(syscall.Signal(meta.Signal))
	case exitStatusInternal:
		slog.Error("isolate internal error", "box", s.box.BoxId, "message", meta.Message)
		return nil, errors.Wrap(ErrIsolateInternal, meta.Message)
	}
	return res, nil
}
