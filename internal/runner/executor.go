package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/sandbox"
	"github.com/cutekitek/rankode-exec/internal/toolchain"
	"github.com/pkg/errors"
)

type Executor struct {
	MaxOutput int64
}

func NewExecutor(maxOutput int64) *Executor {
	return &Executor{MaxOutput: maxOutput}
}

type runFailedError struct {
	Stage  string
	Result *sandbox.Result
}

func (r *runFailedError) Error() string {
	return fmt.Sprintf("%s stage failed (%s)", r.Stage, r.Result.Status)
}

// Execute runs the recipe stages in order inside the session and classifies the outcome.
// The job advances through its status machine as stages start and finish.
func (e *Executor) Execute(ctx context.Context, session sandbox.Session, recipe toolchain.Recipe, job *models.Job) (*dto.RunResult, error) {
	if len(recipe.Stages) == 0 {
		return nil, errors.New("recipe has no stages")
	}
	result := &dto.RunResult{JobID: job.ID, Language: job.Language}

	var last *sandbox.Result
	for _, stage := range recipe.Stages {
		status := models.JobStatusRunning
		if stage.Name == toolchain.StageBuild {
			status = models.JobStatusBuilding
		}
		if err := job.Transition(status); err != nil {
			return nil, err
		}

		cmd := sandbox.Cmd{Args: stage.Args, Timeout: stage.Timeout, MaxOutput: e.MaxOutput}
		if stage.Stdin {
			cmd.Stdin = job.InputPath
		}
		res, err := session.Exec(ctx, cmd)
		if err != nil {
			job.Transition(models.JobStatusFailed)
			return nil, errors.Wrapf(err, "%s stage", stage.Name)
		}
		result.Stages = append(result.Stages, report(stage.Name, res))
		result.Duration += res.Time
		slog.Debug("stage finished", "job", job.ID, "stage", stage.Name, "status", res.Status, "exit", res.ExitCode, "time", res.Time)

		if res.Status != sandbox.StatusOK {
			fail(result, job, &runFailedError{Stage: stage.Name, Result: res})
			return result, nil
		}
		last = res
	}

	if err := job.Transition(models.JobStatusSucceeded); err != nil {
		return nil, err
	}
	result.Kind = models.OutcomeSuccess
	result.Stream = "stdout"
	out := last.Stdout
	if len(out) == 0 {
		out = last.Stderr
		if len(out) > 0 {
			result.Stream = "stderr"
		}
	}
	result.Output = trimNewline(string(out))
	return result, nil
}

func fail(result *dto.RunResult, job *models.Job, err *runFailedError) {
	res := err.Result
	status := models.JobStatusFailed
	slog.Debug("execution failed", "job", job.ID, "error", err)

	switch res.Status {
	case sandbox.StatusTimeLimitExceeded:
		result.Kind = models.OutcomeTimeout
		result.Error = fmt.Sprintf("%s exceeded the time limit", stageNoun(err.Stage))
		status = models.JobStatusTimedOut
	case sandbox.StatusOutputLimitExceeded:
		result.Kind = models.OutcomeOutputOverflow
		result.Error = fmt.Sprintf("%s exceeded the output limit", stageNoun(err.Stage))
	default:
		result.Kind = models.OutcomeRunError
		if err.Stage == toolchain.StageBuild {
			result.Kind = models.OutcomeBuildError
		}
		result.Error = trimNewline(string(res.Stderr))
		if result.Error == "" {
			result.Error = describe(err.Stage, res)
		}
	}
	job.Transition(status)
}

func stageNoun(stage string) string {
	if stage == toolchain.StageBuild {
		return "compilation"
	}
	return "program"
}

func describe(stage string, res *sandbox.Result) string {
	noun := stageNoun(stage)
	switch res.Status {
	case sandbox.StatusSignalled:
		return fmt.Sprintf("%s was killed by %s", noun, res.Signal)
	case sandbox.StatusMemoryLimitExceeded:
		return fmt.Sprintf("%s exceeded the memory limit", noun)
	default:
		return fmt.Sprintf("%s exited with status %d", noun, res.ExitCode)
	}
}

func report(name string, res *sandbox.Result) dto.StageReport {
	return dto.StageReport{
		Name:     name,
		Status:   res.Status.String(),
		ExitCode: res.ExitCode,
		Signal:   res.Signal,
		Time:     res.Time,
		Memory:   res.Memory,
	}
}

// trimNewline removes exactly one trailing line terminator.
func trimNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		s = s[:len(s)-1]
		s = strings.TrimSuffix(s, "\r")
	}
	return s
}
