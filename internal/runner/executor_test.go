package runner

import (
	"context"
	"testing"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox/sandboxtest"
	"github.com/cutekitek/rankode-exec/internal/toolchain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var compiled = toolchain.Recipe{Stages: []toolchain.Stage{
	{Name: toolchain.StageBuild, Args: []string{"gcc", "main-x.c", "-o", "main-x"}, Timeout: time.Second},
	{Name: toolchain.StageRun, Args: []string{"./main-x"}, Stdin: true, Timeout: time.Second},
}}

var interpreted = toolchain.Recipe{Stages: []toolchain.Stage{
	{Name: toolchain.StageRun, Args: []string{"python3", "main-x.py"}, Stdin: true, Timeout: time.Second},
}}

// byStage answers build and run commands with separate results.
func byStage(build, run *sandbox.Result) sandboxtest.Handler {
	return func(_ *models.Job, cmd sandbox.Cmd) (*sandbox.Result, error) {
		if cmd.Args[0] == "gcc" {
			return build, nil
		}
		return run, nil
	}
}

func execute(t *testing.T, recipe toolchain.Recipe, h sandboxtest.Handler) (*models.Job, *sandboxtest.Sandbox, func() (*dto.RunResult, error)) {
	t.Helper()
	job := models.NewJob("x", models.LanguageC, "/w")
	job.InputPath = "/w/input-x.txt"
	require.NoError(t, job.Transition(models.JobStatusInputWritten))
	sb := sandboxtest.New(h)
	session, err := sb.Open(context.Background(), job)
	require.NoError(t, err)
	return job, sb, func() (*dto.RunResult, error) {
		return NewExecutor(1024).Execute(context.Background(), session, recipe, job)
	}
}

func TestExecuteOutcomes(t *testing.T) {
	ok := &sandbox.Result{Status: sandbox.StatusOK}
	tests := []struct {
		name     string
		recipe   toolchain.Recipe
		build    *sandbox.Result
		run      *sandbox.Result
		kind     models.Outcome
		status   models.JobStatus
		output   string
		stream   string
		errorMsg string
		stages   int
	}{
		{
			name: "success trims one newline", recipe: compiled, build: ok,
			run:  &sandbox.Result{Status: sandbox.StatusOK, Stdout: []byte("hello\n\n")},
			kind: models.OutcomeSuccess, status: models.JobStatusSucceeded, output: "hello\n", stream: "stdout", stages: 2,
		},
		{
			name: "success falls back to stderr", recipe: interpreted,
			run:  &sandbox.Result{Status: sandbox.StatusOK, Stderr: []byte("warning\r\n")},
			kind: models.OutcomeSuccess, status: models.JobStatusSucceeded, output: "warning", stream: "stderr", stages: 1,
		},
		{
			name: "empty success", recipe: interpreted, run: ok,
			kind: models.OutcomeSuccess, status: models.JobStatusSucceeded, output: "", stream: "stdout", stages: 1,
		},
		{
			name: "build error uses stderr", recipe: compiled,
			build: &sandbox.Result{Status: sandbox.StatusNonzeroExit, ExitCode: 1, Stderr: []byte("main.c:1: error\n")},
			kind:  models.OutcomeBuildError, status: models.JobStatusFailed, errorMsg: "main.c:1: error", stages: 1,
		},
		{
			name: "run error without stderr is described", recipe: compiled, build: ok,
			run:  &sandbox.Result{Status: sandbox.StatusNonzeroExit, ExitCode: 3, Stdout: []byte("partial")},
			kind: models.OutcomeRunError, status: models.JobStatusFailed, errorMsg: "program exited with status 3", stages: 2,
		},
		{
			name: "signal", recipe: interpreted,
			run:  &sandbox.Result{Status: sandbox.StatusSignalled, Signal: "SIGSEGV"},
			kind: models.OutcomeRunError, status: models.JobStatusFailed, errorMsg: "program was killed by SIGSEGV", stages: 1,
		},
		{
			name: "timeout", recipe: interpreted,
			run:  &sandbox.Result{Status: sandbox.StatusTimeLimitExceeded, Stderr: []byte("ignored")},
			kind: models.OutcomeTimeout, status: models.JobStatusTimedOut, errorMsg: "program exceeded the time limit", stages: 1,
		},
		{
			name: "build timeout", recipe: compiled,
			build: &sandbox.Result{Status: sandbox.StatusTimeLimitExceeded},
			kind:  models.OutcomeTimeout, status: models.JobStatusTimedOut, errorMsg: "compilation exceeded the time limit", stages: 1,
		},
		{
			name: "overflow never returns output", recipe: interpreted,
			run:  &sandbox.Result{Status: sandbox.StatusOutputLimitExceeded, Stdout: []byte("yyyy")},
			kind: models.OutcomeOutputOverflow, status: models.JobStatusFailed, errorMsg: "program exceeded the output limit", stages: 1,
		},
		{
			name: "memory", recipe: interpreted,
			run:  &sandbox.Result{Status: sandbox.StatusMemoryLimitExceeded},
			kind: models.OutcomeRunError, status: models.JobStatusFailed, errorMsg: "program exceeded the memory limit", stages: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, sb, run := execute(t, tt.recipe, byStage(tt.build, tt.run))
			res, err := run()
			require.NoError(t, err)

			assert.Equal(t, tt.kind == models.OutcomeSuccess, res.Succeeded())
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.status, job.Status())
			assert.Equal(t, tt.output, res.Output)
			assert.Equal(t, tt.stream, res.Stream)
			assert.Equal(t, tt.errorMsg, res.Error)
			assert.Len(t, res.Stages, tt.stages)
			assert.Len(t, sb.Cmds(), tt.stages, "run must not start after a failed build")
			if tt.kind != models.OutcomeSuccess {
				assert.Empty(t, res.Output)
			}
		})
	}
}

func TestExecutePassesStdinOnlyToRun(t *testing.T) {
	_, sb, run := execute(t, compiled, sandboxtest.OK("x"))
	_, err := run()
	require.NoError(t, err)

	cmds := sb.Cmds()
	require.Len(t, cmds, 2)
	assert.Empty(t, cmds[0].Stdin)
	assert.Equal(t, "/w/input-x.txt", cmds[1].Stdin)
	assert.Equal(t, int64(1024), cmds[1].MaxOutput)
}

func TestExecuteSandboxError(t *testing.T) {
	job, _, run := execute(t, interpreted, func(*models.Job, sandbox.Cmd) (*sandbox.Result, error) {
		return nil, errors.New("sandbox broke")
	})
	_, err := run()
	require.Error(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status())
}
