// Package docker runs every job in its own short-lived, network-less container.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

const workDir = "/home/sandbox"

type Config struct {
	Images      map[models.Language]string
	MemoryLimit int64
	PidsLimit   int64
	// 100000 is one full CPU
	CPUQuota int64
}

type Sandbox struct {
	cfg Config
	cli *client.Client
}

func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 64
	}
	if cfg.CPUQuota <= 0 {
		cfg.CPUQuota = 100000
	}
	s := &Sandbox{cfg: cfg, cli: cli}
	for _, img := range cfg.Images {
		if err := s.ensureImage(ctx, img); err != nil {
			cli.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Sandbox) Close() error {
	return s.cli.Close()
}

func (s *Sandbox) ensureImage(ctx context.Context, img string) error {
	if _, err := s.cli.ImageInspect(ctx, img); err == nil {
		return nil
	}
	slog.Info("pulling docker image", "image", img)
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to pull image %s", img)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *Sandbox) Open(ctx context.Context, job *models.Job) (sandbox.Session, error) {
	img, ok := s.cfg.Images[job.Language]
	if !ok {
		return nil, errors.Wrapf(models.ErrUnsupportedLanguage, "no image for %s", job.Language)
	}

	pidsLimit := s.cfg.PidsLimit
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           img,
		Cmd:             []string{"sleep", "infinity"},
		NetworkDisabled: true,
		WorkingDir:      workDir,
		User:            "nobody",
		Labels:          map[string]string{"rankode.job": job.ID},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     s.cfg.MemoryLimit,
			MemorySwap: s.cfg.MemoryLimit,
			CPUQuota:   s.cfg.CPUQuota,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			workDir: "rw,exec,nosuid,size=64m,mode=1777",
			"/tmp":  "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create container")
	}
	sess := &session{cli: s.cli, id: resp.ID}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "failed to start container")
	}
	// CopyToContainer cannot write into tmpfs mounts, so files are streamed through cat
	for _, p := range []string{job.SourcePath, job.InputPath} {
		if err := sess.upload(ctx, p); err != nil {
			sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

type session struct {
	cli  *client.Client
	id   string
	once sync.Once
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true})
	})
	return err
}

func (s *session) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open job file")
	}
	defer f.Close()

	name := filepath.Base(path)
	var stderr bytes.Buffer
	code, err := s.exec(ctx, []string{"sh", "-c", `cat > "$1"`, "sh", name}, f, io.Discard, &stderr)
	if err != nil {
		return errors.Wrapf(err, "failed to upload %s", name)
	}
	if code != 0 {
		return errors.Errorf("failed to upload %s: %s", name, stderr.String())
	}
	return nil
}

// exec runs args in the container and blocks until its output streams close.
func (s *session) exec(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          args,
		WorkingDir:   workDir,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to create exec")
	}
	hj, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "failed to attach exec")
	}
	defer hj.Close()

	if stdin != nil {
		go func() {
			io.Copy(hj.Conn, stdin)
			hj.CloseWrite()
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hj.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return 0, errors.Wrap(err, "failed to read exec output")
		}
	case <-ctx.Done():
		// a stuck exec cannot be signalled on its own, the container goes with it
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cli.ContainerKill(killCtx, s.id, "KILL"); err != nil {
			slog.Warn("failed to kill container", "container", s.id, "error", err)
		}
		hj.Close()
		<-done
		return 0, ctx.Err()
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to inspect exec")
	}
	return inspect.ExitCode, nil
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

	var stdin io.Reader
	if c.Stdin != "" {
		f, err := os.Open(c.Stdin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open stdin file")
		}
		defer f.Close()
		stdin = f
	}

	start := time.Now()
	code, err := s.exec(runCtx, c.Args, stdin, stdout, stderr)
	res := &sandbox.Result{
		ExitCode: code,
		Time:     time.Since(start),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}

	switch {
	case stdout.Overflowed() || stderr.Overflowed():
		res.Status = sandbox.StatusOutputLimitExceeded
	case errors.Is(deadlineCtx.Err(), context.DeadlineExceeded):
		res.Status = sandbox.StatusTimeLimitExceeded
	case err != nil:
		return nil, err
	case code > 128:
		res.Status = sandbox.StatusSignalled
		res.Signal = fmt.Sprintf("signal %d", code-128)
	case code != 0:
		res.Status = sandbox.StatusNonzeroExit
	default:
		res.Status = sandbox.StatusOK
	}
	return res, nil
}
