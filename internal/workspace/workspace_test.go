package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/toolchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	d, err := toolchain.NewDispatcher(toolchain.Config{BuildTimeout: time.Second, RunTimeout: time.Second})
	require.NoError(t, err)
	m, err := New(filepath.Join(t.TempDir(), "temp"), d)
	require.NoError(t, err)
	return m
}

func TestPrepare(t *testing.T) {
	m := newManager(t)

	job, err := m.Prepare(context.Background(), models.LanguageJava, "public class X {}", "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInputWritten, job.Status())
	assert.Len(t, job.ID, 20)
	assert.Equal(t, filepath.Join(m.Dir(), "Solution"+job.ID+".java"), job.SourcePath)
	assert.Equal(t, filepath.Join(m.Dir(), "input-"+job.ID+".txt"), job.InputPath)

	code, err := os.ReadFile(job.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "public class X {}", string(code))

	input, err := os.ReadFile(job.InputPath)
	require.NoError(t, err)
	assert.Empty(t, input)
}

func TestPrepareUnsupported(t *testing.T) {
	m := newManager(t)
	_, err := m.Prepare(context.Background(), models.Language("go"), "package main", "")
	require.Error(t, err)

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareConcurrentUnique(t *testing.T) {
	m := newManager(t)
	const n = 64

	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := m.Prepare(context.Background(), models.LanguagePython, "print(1)", "1")
			if assert.NoError(t, err) {
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2*n)
}

func TestSweep(t *testing.T) {
	m := newManager(t)
	old, err := m.Prepare(context.Background(), models.LanguageC, "int main(){}", "")
	require.NoError(t, err)
	fresh, err := m.Prepare(context.Background(), models.LanguageC, "int main(){}", "")
	require.NoError(t, err)

	unrelated := filepath.Join(m.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, nil, 0o644))

	past := time.Now().Add(-time.Hour)
	for _, p := range []string{old.SourcePath, old.InputPath, unrelated} {
		require.NoError(t, os.Chtimes(p, past, past))
	}

	removed, err := m.Sweep(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, old.SourcePath)
	assert.NoFileExists(t, old.InputPath)
	assert.FileExists(t, fresh.SourcePath)
	assert.FileExists(t, unrelated)
}

func TestSweepOnlyTouchesJobTempFiles(t *testing.T) {
	m := newManager(t)
	id := "c0ffee0000000000000a"
	names := []string{
		".input-" + id + ".txt.123456",
		".main-" + id + ".py.42",
		".bashrc.1",
		".cache.2024",
		".main-short.c.1",
	}
	past := time.Now().Add(-time.Hour)
	for _, name := range names {
		p := filepath.Join(m.Dir(), name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		require.NoError(t, os.Chtimes(p, past, past))
	}

	removed, err := m.Sweep(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	for _, name := range names[2:] {
		assert.FileExists(t, filepath.Join(m.Dir(), name))
	}
}

func TestPrepareRecreatesRemovedDir(t *testing.T) {
	m := newManager(t)
	require.NoError(t, os.RemoveAll(m.Dir()))

	job, err := m.Prepare(context.Background(), models.LanguagePython, "print(1)", "")
	require.NoError(t, err)
	assert.FileExists(t, job.SourcePath)
	assert.FileExists(t, job.InputPath)
}

func TestWithIDs(t *testing.T) {
	d, err := toolchain.NewDispatcher(toolchain.Config{})
	require.NoError(t, err)
	m, err := New(t.TempDir(), d, WithIDs(func() string { return "c0ffee0000000000000b" }))
	require.NoError(t, err)

	job, err := m.Prepare(context.Background(), models.LanguageC, "int main(){}", "")
	require.NoError(t, err)
	assert.Equal(t, "c0ffee0000000000000b", job.ID)

	_, err = m.Prepare(context.Background(), models.LanguageC, "int main(){}", "")
	require.ErrorIs(t, err, os.ErrExist)
	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "a failed prepare must not leave files behind")
}
