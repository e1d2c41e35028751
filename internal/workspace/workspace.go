package workspace

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/pkg/files"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// Naming maps a language and job id to the source file name.
type Naming interface {
	SourceName(lang models.Language, id string) (string, error)
}

type Manager struct {
	dir    string
	naming Naming
	newID  func() string
}

type Option func(*Manager)

// WithIDs replaces the xid generator.
func WithIDs(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

func New(dir string, naming Naming, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "invalid workspace dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create workspace dir")
	}
	m := &Manager{dir: abs, naming: naming, newID: func() string { return xid.New().String() }}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

func InputName(id string) string {
	return "input-" + id + ".txt"
}

// Prepare mints a job id and writes the stdin payload and the source code under it.
// On failure nothing written by this call is left behind.
func (m *Manager) Prepare(ctx context.Context, lang models.Language, code, stdin string) (*models.Job, error) {
	id := m.newID()
	source, err := m.naming.SourceName(lang, id)
	if err != nil {
		return nil, err
	}
	// the base dir may have been removed while the process was running
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create workspace dir")
	}

	job := models.NewJob(id, lang, m.dir)
	inputPath := filepath.Join(m.dir, InputName(id))
	sourcePath := filepath.Join(m.dir, source)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := files.WriteFileExclusive(inputPath, []byte(stdin), 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write input file")
	}
	job.InputPath = inputPath

	if err := files.WriteFileExclusive(sourcePath, []byte(code), 0o644); err != nil {
		os.Remove(inputPath)
		return nil, errors.Wrap(err, "failed to write source file")
	}
	job.SourcePath = sourcePath

	if err := job.Transition(models.JobStatusInputWritten); err != nil {
		return nil, err
	}
	slog.Debug("workspace prepared", "job", id, "language", lang, "source", source)
	return job, nil
}

// Job file names: the id is a 20 character xid. Written files also have hidden
// ".<name>.<digits>" temp siblings while they are being published.
const writtenFile = `main-[0-9a-v]{20}\.(c|cpp|py)|Solution[0-9a-v]{20}\.java|input-[0-9a-v]{20}\.txt`

var jobFile = regexp.MustCompile(`^(` + writtenFile + `|main-[0-9a-v]{20}|Solution[0-9a-v]{20}(\$.*)?\.class|\.(` + writtenFile + `)\.[0-9]+)$`)

// Sweep removes job files older than olderThan, left behind by a process that stopped
// before its cleanups fired. It returns the number of removed files.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == m.dir {
				return nil
			}
			return filepath.SkipDir
		}
		if !jobFile.MatchString(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to sweep stale file", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, errors.Wrap(err, "failed to sweep workspace")
	}
	return removed, nil
}
