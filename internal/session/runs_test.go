package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuns(t *testing.T) *RunStore {
	t.Helper()
	dir := t.TempDir()
	r, err := OpenRuns(filepath.Join(dir, "sessions.db"), filepath.Join(dir, "current-run.txt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRunLifecycle(t *testing.T) {
	r := newTestRuns(t)

	run, err := r.CreateRun()
	require.NoError(t, err)
	assert.Equal(t, RunActive, run.Status)

	cur, err := r.CurrentRunID()
	require.NoError(t, err)
	assert.Equal(t, run.ID, cur)

	require.NoError(t, r.IncrementAgentCount(run.ID))
	require.NoError(t, r.IncrementAgentCount(run.ID))

	got, err := r.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AgentCount)

	require.NoError(t, r.CompleteRun(run.ID, RunCompleted))
	got, err = r.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	cur, err = r.CurrentRunID()
	require.NoError(t, err)
	assert.Empty(t, cur, "pointer must be cleared after completion")
}

func TestGetActiveRunPrefersNewest(t *testing.T) {
	r := newTestRuns(t)

	first, err := r.CreateRun()
	require.NoError(t, err)
	second, err := r.CreateRun()
	require.NoError(t, err)

	// Back-to-back starts share a millisecond; the later creation must
	// still win.
	active, err := r.GetActiveRun()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	require.NoError(t, r.CompleteRun(second.ID, RunFailed))
	require.NoError(t, r.CompleteRun(first.ID, RunCompleted))

	active, err = r.GetActiveRun()
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestCompleteRunRejectsNonTerminal(t *testing.T) {
	r := newTestRuns(t)
	run, err := r.CreateRun()
	require.NoError(t, err)

	assert.Error(t, r.CompleteRun(run.ID, RunActive))
	assert.Error(t, r.CompleteRun("run-missing", RunCompleted))

	require.NoError(t, r.CompleteRun(run.ID, RunCompleted))
	assert.Error(t, r.CompleteRun(run.ID, RunCompleted), "double completion must fail")
}

func TestListRuns(t *testing.T) {
	r := newTestRuns(t)
	_, err := r.CreateRun()
	require.NoError(t, err)
	_, err = r.CreateRun()
	require.NoError(t, err)

	runs, err := r.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestCurrentRunPointerMissingFile(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRuns(filepath.Join(dir, "s.db"), filepath.Join(dir, "current-run.txt"))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	cur, err := r.CurrentRunID()
	require.NoError(t, err)
	assert.Empty(t, cur)

	_, statErr := os.Stat(filepath.Join(dir, "current-run.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
