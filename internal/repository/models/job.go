package models

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

type JobStatus int8

const (
	JobStatusCreated JobStatus = iota
	JobStatusInputWritten
	JobStatusBuilding
	JobStatusRunning
	JobStatusSucceeded
	JobStatusFailed
	JobStatusTimedOut
	JobStatusCleanupScheduled
	JobStatusCleanedUp
)

var ErrIllegalTransition = errors.New("illegal job status transition")

var jobStatusNames = [...]string{
	JobStatusCreated:          "created",
	JobStatusInputWritten:     "input_written",
	JobStatusBuilding:         "building",
	JobStatusRunning:          "running",
	JobStatusSucceeded:        "succeeded",
	JobStatusFailed:           "failed",
	JobStatusTimedOut:         "timed_out",
	JobStatusCleanupScheduled: "cleanup_scheduled",
	JobStatusCleanedUp:        "cleaned_up",
}

func (s JobStatus) String() string {
	if int(s) < 0 || int(s) >= len(jobStatusNames) {
		return "unknown"
	}
	return jobStatusNames[s]
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusTimedOut
}

// allowed[from] lists every status reachable from `from` in one step.
var allowed = map[JobStatus][]JobStatus{
	JobStatusCreated:          {JobStatusInputWritten},
	JobStatusInputWritten:     {JobStatusBuilding, JobStatusRunning, JobStatusFailed},
	JobStatusBuilding:         {JobStatusRunning, JobStatusFailed, JobStatusTimedOut},
	JobStatusRunning:          {JobStatusSucceeded, JobStatusFailed, JobStatusTimedOut},
	JobStatusSucceeded:        {JobStatusCleanupScheduled},
	JobStatusFailed:           {JobStatusCleanupScheduled},
	JobStatusTimedOut:         {JobStatusCleanupScheduled},
	JobStatusCleanupScheduled: {JobStatusCleanedUp},
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a single execution unit. Paths are absolute; Artifacts may hold glob patterns.
type Job struct {
	ID         string
	Language   Language
	Dir        string
	SourcePath string
	InputPath  string
	Artifacts  []string
	CreatedAt  time.Time

	mu     sync.Mutex
	status JobStatus
	hooks  []func(*Job, JobStatus)
}

func NewJob(id string, lang Language, dir string) *Job {
	return &Job{
		ID:        id,
		Language:  lang,
		Dir:       dir,
		CreatedAt: time.Now(),
		status:    JobStatusCreated,
	}
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// OnTransition registers a hook called after every successful transition.
func (j *Job) OnTransition(fn func(*Job, JobStatus)) {
	j.mu.Lock()
	j.hooks = append(j.hooks, fn)
	j.mu.Unlock()
}

func (j *Job) Transition(to JobStatus) error {
	j.mu.Lock()
	from := j.status
	if !CanTransition(from, to) {
		j.mu.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	j.status = to
	hooks := j.hooks
	j.mu.Unlock()

	for _, h := range hooks {
		h(j, to)
	}
	return nil
}

// Files returns every path or pattern the job owns on disk.
func (j *Job) Files() []string {
	files := make([]string, 0, len(j.Artifacts)+2)
	if j.SourcePath != "" {
		files = append(files, j.SourcePath)
	}
	if j.InputPath != "" {
		files = append(files, j.InputPath)
	}
	return append(files, j.Artifacts...)
}
