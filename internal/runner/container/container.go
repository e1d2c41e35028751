// Package container runs stages inside go-sandbox namespaces with a cgroup per process.
// The process must call container.Init from github.com/criyle/go-sandbox/container
// at the start of main.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/container"
	"github.com/criyle/go-sandbox/pkg/cgroup"
	"github.com/criyle/go-sandbox/pkg/mount"
	"github.com/criyle/go-sandbox/pkg/rlimit"
	"github.com/criyle/go-sandbox/runner"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const workDir = "/w"

type Config struct {
	PoolSize    int
	MemoryLimit int64
	MaxFileSize int64
}

type containerEnv struct {
	container.Environment
	root string
}

type Sandbox struct {
	cfg        Config
	rootCG     cgroup.Cgroup
	containers chan *containerEnv
}

func New(cfg Config) (*Sandbox, error) {
	if cfg.PoolSize <= 0 {
		return nil, errors.New("container pool size must be positive")
	}
	if cgroup.DetectType() == cgroup.TypeV2 {
		cgroup.EnableV2Nesting()
	}
	ct, err := cgroup.GetAvailableController()
	if err != nil {
		return nil, errors.Wrap(err, "cgroup.GetAvailableController")
	}
	rootCG, err := cgroup.New("rankode-exec", ct)
	if err != nil {
		return nil, errors.Wrap(err, "cgroup.New")
	}

	s := &Sandbox{
		cfg:        cfg,
		rootCG:     rootCG,
		containers: make(chan *containerEnv, cfg.PoolSize),
	}
	if err := s.prepareContainers(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sandbox) Close() error {
	for {
		select {
		case c := <-s.containers:
			c.Destroy()
			os.RemoveAll(c.root)
		default:
			if s.rootCG != nil {
				return s.rootCG.Destroy()
			}
			return nil
		}
	}
}

// Open takes an environment from the pool, waiting if all are busy.
func (s *Sandbox) Open(ctx context.Context, job *models.Job) (sandbox.Session, error) {
	var env *containerEnv
	select {
	case env = <-s.containers:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { s.containers <- env }

	if err := env.Reset(); err != nil {
		release()
		return nil, errors.Wrap(err, "failed to reset container")
	}
	if err := env.Ping(); err != nil {
		release()
		return nil, errors.Wrap(err, "failed to ping container")
	}
	if err := copyIn(env, job.SourcePath, job.InputPath); err != nil {
		release()
		return nil, errors.Wrap(err, "failed to copy job files")
	}
	return &session{sb: s, env: env, release: release}, nil
}

func copyIn(env container.Environment, paths ...string) error {
	cmds := make([]container.OpenCmd, len(paths))
	for i, p := range paths {
		cmds[i] = container.OpenCmd{
			Path: filepath.Join(workDir, filepath.Base(p)),
			Flag: os.O_WRONLY | os.O_CREATE | os.O_TRUNC,
			Perm: 0o644,
		}
	}
	files, err := env.Open(cmds)
	if err != nil {
		return fmt.Errorf("failed to open files in container: %w", err)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for i, p := range paths {
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(files[i], src)
		src.Close()
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

type session struct {
	sb      *Sandbox
	env     *containerEnv
	release func()
	once    sync.Once
}

func (s *session) Close() error {
	s.once.Do(s.release)
	return nil
}

type containerRunner struct {
	container.Environment
	container.ExecveParam
}

func (r *containerRunner) Run(c context.Context) runner.Result {
	return r.Execve(c, r.ExecveParam)
}

func (s *session) Exec(ctx context.Context, c sandbox.Cmd) (*sandbox.Result, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	args := append([]string(nil), c.Args...)
	if filepath.Base(args[0]) == args[0] {
		// execve needs a path; /usr and /bin are bind mounted from the host
		path, err := exec.LookPath(args[0])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve %s", args[0])
		}
		args[0] = path
	}

	cg, err := s.sb.rootCG.Random("sandbox")
	if err != nil {
		return nil, fmt.Errorf("cgroup.Random: %w", err)
	}
	defer cg.Destroy()

	if err := applyMemoryLimit(cg, s.sb.cfg.MemoryLimit); err != nil {
		return nil, err
	}
	cgDir, err := cg.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open cg fd: %w", err)
	}
	defer cgDir.Close()

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	stdin, err := openStdin(c.Stdin)
	if err != nil {
		return nil, err
	}
	defer stdin.Close()
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	stdout := sandbox.NewLimitedBuffer(c.MaxOutput, cancel)
	stderr := sandbox.NewLimitedBuffer(c.MaxOutput, cancel)
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go sandbox.Drain(wg, stdoutR, stdout)
	go sandbox.Drain(wg, stderrR, stderr)

	seconds := uint64(c.Timeout.Seconds()) + 1
	rlims := rlimit.RLimits{
		CPU:      seconds,
		CPUHard:  seconds + 1,
		FileSize: uint64(s.sb.cfg.MaxFileSize),
		Stack:    128 * 1024 * 1024,
		Data:     uint64(s.sb.cfg.MemoryLimit),
		OpenFile: 256,
	}

	r := containerRunner{
		Environment: s.env,
		ExecveParam: container.ExecveParam{
			Args:     args,
			Env:      []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + workDir, "LANG=C.UTF-8"},
			Files:    []uintptr{stdin.Fd(), stdoutW.Fd(), stderrW.Fd()},
			RLimits:  rlims.PrepareRLimit(),
			SyncFunc: func(pid int) error { return cg.AddProc(pid) },
			CgroupFD: cgDir.Fd(),
		},
	}

	res := r.Run(runCtx)
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()
	stdoutR.Close()
	stderrR.Close()

	result := &sandbox.Result{
		ExitCode: res.ExitStatus,
		Time:     res.Time,
		Memory:   uint64(res.Memory),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}
	if cpu, err := cg.CPUUsage(); err == nil {
		result.Time = time.Duration(cpu)
	}
	if mem, err := cg.MemoryMaxUsage(); err == nil {
		result.Memory = mem
	}

	switch {
	case stdout.Overflowed() || stderr.Overflowed():
		result.Status = sandbox.StatusOutputLimitExceeded
	default:
		result.Status = convertStatus(res)
	}
	if result.Status != sandbox.StatusOutputLimitExceeded && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Status = sandbox.StatusTimeLimitExceeded
	}

	slog.Debug("container execution result", "status", result.Status, "exit", res.ExitStatus, "memory", result.Memory, "time", result.Time, "error", res.Error)
	return result, nil
}

type memoryLimiter interface {
	SetMemoryLimit(uint64) error
}

// applyMemoryLimit refuses to run without the quota when the controller rejects it.
func applyMemoryLimit(cg memoryLimiter, limit int64) error {
	if limit <= 0 {
		return nil
	}
	if err := cg.SetMemoryLimit(uint64(limit)); err != nil {
		return errors.Wrap(err, "failed to set cgroup memory limit")
	}
	return nil
}

func convertStatus(res runner.Result) sandbox.Status {
	switch res.Status {
	case runner.StatusNormal:
		return sandbox.StatusOK
	case runner.StatusTimeLimitExceeded:
		return sandbox.StatusTimeLimitExceeded
	case runner.StatusMemoryLimitExceeded:
		return sandbox.StatusMemoryLimitExceeded
	case runner.StatusOutputLimitExceeded:
		return sandbox.StatusOutputLimitExceeded
	case runner.StatusNonzeroExitStatus:
		return sandbox.StatusNonzeroExit
	default:
		return sandbox.StatusSignalled
	}
}

func openStdin(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdin file")
	}
	return f, nil
}

func (s *Sandbox) prepareContainer(root string) (container.Environment, error) {
	mb := mount.NewBuilder().
		WithBind("/bin", "bin", true).
		WithBind("/lib", "lib", true).
		WithBind("/lib64", "lib64", true).
		WithBind("/usr", "usr", true).
		WithBind("/etc/ld.so.cache", "etc/ld.so.cache", true).
		WithBind("/etc/alternatives", "etc/alternatives", true).
		WithProc().
		WithBind("/dev/null", "dev/null", false).
		WithTmpfs("tmp", "size=128m,nr_inodes=4k").
		WithTmpfs("w", "size=64m,nr_inodes=4k").
		FilterNotExist()

	cloneFlag := unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS

	b := container.Builder{
		Root:          root,
		WorkDir:       workDir,
		Mounts:        mb.Mounts,
		Stderr:        os.Stderr,
		CredGenerator: newCredGen(),
		CloneFlags:    uintptr(cloneFlag),
	}
	return b.Build()
}

func (s *Sandbox) prepareContainers() error {
	for i := 0; i < s.cfg.PoolSize; i++ {
		root, err := os.MkdirTemp("", "rankode-container-")
		if err != nil {
			return errors.Wrap(err, "failed to create temp dir")
		}
		env, err := s.prepareContainer(root)
		if err != nil {
			os.RemoveAll(root)
			return errors.Wrap(err, "failed to create container")
		}
		s.containers <- &containerEnv{Environment: env, root: root}
	}
	return nil
}

type credGen struct {
	cur uint32
}

func newCredGen() *credGen {
	return &credGen{cur: 10000}
}

func (c *credGen) Get() syscall.Credential {
	n := atomic.AddUint32(&c.cur, 1)
	return syscall.Credential{
		Uid: n,
		Gid: n,
	}
}
