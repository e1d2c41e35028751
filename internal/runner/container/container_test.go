package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	gocontainer "github.com/criyle/go-sandbox/container"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sb      *Sandbox
	skipped error
)

func initSandbox() error {
	if os.Getuid() != 0 {
		return fmt.Errorf("container tests require root privileges")
	}
	var err error
	sb, err = New(Config{PoolSize: 2, MemoryLimit: 256 << 20, MaxFileSize: 64 << 20})
	return err
}

func TestMain(m *testing.M) {
	// the sandbox re-executes the test binary as the container init process
	if err := gocontainer.Init(); err != nil {
		panic(err)
	}
	if skipped = initSandbox(); skipped != nil {
		fmt.Printf("Skipping container tests: %v\n", skipped)
	}
	code := m.Run()
	if sb != nil {
		sb.Close()
	}
	os.Exit(code)
}

func requireSandbox(t *testing.T) {
	t.Helper()
	if skipped != nil {
		t.Skip(skipped)
	}
}

func newJob(t *testing.T, source, code, input string) *models.Job {
	t.Helper()
	dir := t.TempDir()
	job := models.NewJob("test", models.LanguagePython, dir)
	job.SourcePath = filepath.Join(dir, source)
	job.InputPath = filepath.Join(dir, "input-test.txt")
	require.NoError(t, os.WriteFile(job.SourcePath, []byte(code), 0o644))
	require.NoError(t, os.WriteFile(job.InputPath, []byte(input), 0o644))
	return job
}

func TestSessionRunsInPrivateWorkdir(t *testing.T) {
	requireSandbox(t)
	job := newJob(t, "main-test.sh", "read line; echo \"$line from box\"; pwd >&2", "hello")
	s, err := sb.Open(context.Background(), job)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Exec(context.Background(), sandbox.Cmd{
		Args:      []string{"sh", "main-test.sh"},
		Stdin:     job.InputPath,
		Timeout:   5 * time.Second,
		MaxOutput: 1 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusOK, res.Status)
	assert.Equal(t, "hello from box\n", string(res.Stdout))
	assert.Equal(t, "/w\n", string(res.Stderr))
}

func TestSessionKeepsBuildArtifacts(t *testing.T) {
	requireSandbox(t)
	job := newJob(t, "main-test.sh", "echo built > artifact", "")
	s, err := sb.Open(context.Background(), job)
	require.NoError(t, err)
	defer s.Close()

	for _, args := range [][]string{{"sh", "main-test.sh"}, {"cat", "artifact"}} {
		res, err := s.Exec(context.Background(), sandbox.Cmd{Args: args, Timeout: 5 * time.Second, MaxOutput: 1 << 20})
		require.NoError(t, err)
		require.Equal(t, sandbox.StatusOK, res.Status, string(res.Stderr))
	}
}

func TestSessionLimits(t *testing.T) {
	requireSandbox(t)
	tests := []struct {
		name   string
		args   []string
		status sandbox.Status
	}{
		{"timeout", []string{"sh", "-c", "while :; do :; done"}, sandbox.StatusTimeLimitExceeded},
		{"overflow", []string{"yes"}, sandbox.StatusOutputLimitExceeded},
		{"exit code", []string{"sh", "-c", "exit 4"}, sandbox.StatusNonzeroExit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob(t, "main-test.sh", "", "")
			s, err := sb.Open(context.Background(), job)
			require.NoError(t, err)
			defer s.Close()

			res, err := s.Exec(context.Background(), sandbox.Cmd{Args: tt.args, Timeout: time.Second, MaxOutput: 4096})
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

type fakeCgroup struct {
	limit uint64
	err   error
}

func (f *fakeCgroup) SetMemoryLimit(v uint64) error {
	f.limit = v
	return f.err
}

func TestApplyMemoryLimit(t *testing.T) {
	cg := &fakeCgroup{}
	require.NoError(t, applyMemoryLimit(cg, 256<<20))
	assert.Equal(t, uint64(256<<20), cg.limit)

	cg = &fakeCgroup{}
	require.NoError(t, applyMemoryLimit(cg, 0))
	assert.Zero(t, cg.limit)

	cg = &fakeCgroup{err: errors.New("memory controller not enabled")}
	err := applyMemoryLimit(cg, 256<<20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory controller not enabled")
}
