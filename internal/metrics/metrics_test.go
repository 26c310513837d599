package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndLast(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, agent := range []string{"builder-1", "builder-2", "scout-1"} {
		require.NoError(t, s.Record(&SessionMetric{
			AgentName:  agent,
			Capability: "builder",
			FinalState: "completed",
			Duration:   int64(i+1) * 1000,
			ToolCalls:  10 * (i + 1),
			EndedAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}

	last, err := s.Last(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "scout-1", last[0].AgentName, "newest first")
	assert.Equal(t, "builder-2", last[1].AgentName)

	all, err := s.Last(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSummarize(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Record(&SessionMetric{
		AgentName: "builder-1", Capability: "builder", FinalState: "completed",
		Duration: 1000, ToolCalls: 10,
	}))
	require.NoError(t, s.Record(&SessionMetric{
		AgentName: "builder-2", Capability: "builder", FinalState: "zombie",
		Duration: 3000, ToolCalls: 30,
	}))
	require.NoError(t, s.Record(&SessionMetric{
		AgentName: "scout-1", Capability: "scout", FinalState: "completed",
		Duration: 500, ToolCalls: 5,
	}))

	sums, err := s.Summarize()
	require.NoError(t, err)
	require.Len(t, sums, 2)

	assert.Equal(t, "builder", sums[0].Capability)
	assert.Equal(t, 2, sums[0].Sessions)
	assert.EqualValues(t, 2000, sums[0].AvgDurationMs)
	assert.Equal(t, 1, sums[0].Completed)
	assert.Equal(t, "scout", sums[1].Capability)
}
