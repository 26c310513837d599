package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAssignsMonotoneIDs(t *testing.T) {
	s := newTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Insert(&StoredEvent{
			AgentName: "scout-1",
			EventType: TypeCustom,
		})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestInsertValidatesClosedSets(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Insert(&StoredEvent{AgentName: "a", EventType: "bogus"})
	assert.Error(t, err)

	_, err = s.Insert(&StoredEvent{AgentName: "a", EventType: TypeCustom, Level: "loud"})
	assert.Error(t, err)
}

func TestCorrelateToolEndIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	startID, err := s.Insert(&StoredEvent{
		AgentName: "builder-1",
		EventType: TypeToolStart,
		ToolName:  "Bash",
		CreatedAt: time.Now().UTC().Add(-50 * time.Millisecond),
	})
	require.NoError(t, err)

	first, err := s.CorrelateToolEnd("builder-1", "Bash")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, startID, first.StartID)
	assert.GreaterOrEqual(t, first.DurationMs, int64(0))

	second, err := s.CorrelateToolEnd("builder-1", "Bash")
	require.NoError(t, err)
	assert.Nil(t, second, "second correlation must find nothing")

	rows, err := s.GetByAgent("builder-1", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ToolDurationMs)
	assert.Equal(t, first.DurationMs, *rows[0].ToolDurationMs)
}

func TestCorrelateToolEndMatchesAgentAndTool(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Insert(&StoredEvent{AgentName: "builder-1", EventType: TypeToolStart, ToolName: "Read"})
	require.NoError(t, err)

	got, err := s.CorrelateToolEnd("builder-1", "Bash")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.CorrelateToolEnd("builder-2", "Read")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTimelineAscendingErrorsDescending(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		_, err := s.Insert(&StoredEvent{
			AgentName: "a",
			EventType: TypeError,
			Level:     LevelError,
			Data:      string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	timeline, err := s.GetTimeline(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, "a", timeline[0].Data)
	assert.Equal(t, "c", timeline[2].Data)

	errs, err := s.GetErrors(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, errs, 3)
	assert.Equal(t, "c", errs[0].Data)
	assert.Equal(t, "a", errs[2].Data)
}

func TestQueryOptionsFilter(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		_, err := s.Insert(&StoredEvent{
			AgentName: "a",
			EventType: TypeCustom,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	got, err := s.GetByAgent("a", QueryOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.GetByAgent("a", QueryOptions{Since: base.Add(5 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestGetByRun(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Insert(&StoredEvent{AgentName: "a", EventType: TypeSpawn, RunID: "run-1"})
	require.NoError(t, err)
	_, err = s.Insert(&StoredEvent{AgentName: "b", EventType: TypeSpawn, RunID: "run-2"})
	require.NoError(t, err)

	got, err := s.GetByRun("run-1", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].AgentName)
}

func TestToolStats(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Insert(&StoredEvent{
			AgentName: "a", EventType: TypeToolStart, ToolName: "Bash",
			CreatedAt: time.Now().UTC().Add(-time.Second),
		})
		require.NoError(t, err)
		_, err = s.CorrelateToolEnd("a", "Bash")
		require.NoError(t, err)
	}

	stats, err := s.GetToolStats(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "Bash", stats[0].ToolName)
	assert.Equal(t, int64(3), stats[0].Count)
	assert.GreaterOrEqual(t, stats[0].TotalMs, int64(0))
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err := s.Insert(&StoredEvent{AgentName: "a", EventType: TypeCustom, CreatedAt: old})
	require.NoError(t, err)
	_, err = s.Insert(&StoredEvent{AgentName: "b", EventType: TypeCustom})
	require.NoError(t, err)

	n, err := s.Purge(PurgeOptions{OlderThanMs: int64(time.Hour / time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Purge(PurgeOptions{AgentName: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Purge(PurgeOptions{})
	require.NoError(t, err)
	assert.Zero(t, n, "purge with no selector deletes nothing")
}
