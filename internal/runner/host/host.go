// Package host runs stages directly on the host in their own process group.
// It enforces time and output limits but provides no filesystem or network isolation.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type Config struct {
	// RLIMIT_FSIZE for every stage, 0 leaves it unset.
	MaxFileSize int64
	// RLIMIT_DATA for every stage, 0 leaves it unset. The JVM reserves far more than it
	// uses, so java and javac stages get a heap limit of the same size instead.
	MemoryLimit int64
	// How long Wait keeps waiting for output pipes after the process group was killed.
	KillGrace time.Duration
}

type Sandbox struct {
	cfg Config
}

func New(cfg Config) *Sandbox {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = time.Second
	}
	return &Sandbox{cfg: cfg}
}

func (s *Sandbox) Open(_ context.Context, job *models.Job) (sandbox.Session, error) {
	return &session{cfg: s.cfg, dir: job.Dir}, nil
}

func (s *Sandbox) Close() error {
	return nil
}

type session struct {
	cfg Config
	dir string
}

func (s *session) Close() error {
	return nil
}

func (s *session) Exec(ctx context.Context, c sandbox.Cmd) (*sandbox.Result, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, c.Timeout)
	defer cancelDeadline()
	runCtx, kill := context.WithCancel(deadlineCtx)
	defer kill()

	stdout := sandbox.NewLimitedBuffer(c.MaxOutput, kill)
	stderr := sandbox.NewLimitedBuffer(c.MaxOutput, kill)

	args, jvm := jvmArgs(c.Args, s.cfg.MemoryLimit)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = s.dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + s.dir, "LANG=C.UTF-8"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = s.cfg.KillGrace

	if c.Stdin != "" {
		in, err := os.Open(c.Stdin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open stdin file")
		}
		defer in.Close()
		cmd.Stdin = in
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", c.Args[0])
	}
	s.setLimits(cmd.Process.Pid, c, jvm)
	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	// reap anything the program left running in its group
	killGroup(cmd.Process.Pid)

	res := &sandbox.Result{
		Time:   elapsed,
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	state := cmd.ProcessState
	if state == nil {
		return nil, errors.Wrap(waitErr, "failed to wait for process")
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		res.Memory = uint64(ru.Maxrss) * 1024
	}
	ws, _ := state.Sys().(syscall.WaitStatus)
	res.ExitCode = state.ExitCode()

	switch {
	case stdout.Overflowed() || stderr.Overflowed():
		res.Status = sandbox.StatusOutputLimitExceeded
	case errors.Is(deadlineCtx.Err(), context.DeadlineExceeded):
		res.Status = sandbox.StatusTimeLimitExceeded
	case ctx.Err() != nil:
		return nil, errors.Wrap(ctx.Err(), "execution aborted")
	case ws.Signaled() && ws.Signal() == syscall.SIGXCPU:
		res.Status = sandbox.StatusTimeLimitExceeded
		res.Signal = unix.SignalName(ws.Signal())
	case ws.Signaled():
		res.Status = sandbox.StatusSignalled
		res.Signal = unix.SignalName(ws.Signal())
	case res.ExitCode != 0:
		res.Status = sandbox.StatusNonzeroExit
	default:
		res.Status = sandbox.StatusOK
	}
	return res, nil
}

// setLimits applies rlimits right after start. The program may run a few instructions
// before they take effect, which is too early to allocate or write much.
func (s *session) setLimits(pid int, c sandbox.Cmd, jvm bool) {
	cpu := uint64(c.Timeout.Seconds()) + 1
	limits := map[int]uint64{unix.RLIMIT_CPU: cpu}
	if s.cfg.MaxFileSize > 0 {
		limits[unix.RLIMIT_FSIZE] = uint64(s.cfg.MaxFileSize)
	}
	if s.cfg.MemoryLimit > 0 && !jvm {
		limits[unix.RLIMIT_DATA] = uint64(s.cfg.MemoryLimit)
	}
	for res, val := range limits {
		lim := &unix.Rlimit{Cur: val, Max: val}
		if res == unix.RLIMIT_CPU {
			lim.Max = val + 1
		}
		if err := unix.Prlimit(pid, res, lim, nil); err != nil && !errors.Is(err, unix.ESRCH) {
			slog.Debug("failed to set rlimit", "pid", pid, "resource", res, "error", err)
		}
	}
}

// jvmArgs adds a heap limit to java and javac invocations and reports whether args
// start a JVM.
func jvmArgs(args []string, limit int64) ([]string, bool) {
	var flag string
	switch filepath.Base(args[0]) {
	case "java":
		flag = "-Xmx%dk"
	case "javac":
		flag = "-J-Xmx%dk"
	default:
		return args, false
	}
	if limit <= 0 {
		return args, true
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], fmt.Sprintf(flag, limit>>10))
	return append(out, args[1:]...), true
}

func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
