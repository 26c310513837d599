package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestUpsertAndGet(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Upsert(&Session{
		ID:         "sess-1",
		AgentName:  "builder-1",
		Capability: CapBuilder,
		BranchName: "overstory/builder-1/os-42",
		RunID:      "run-a",
	}))

	got, err := r.GetByName("builder-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateBooting, got.State)
	assert.Equal(t, CapBuilder, got.Capability)
	assert.False(t, got.StartedAt.IsZero())
	assert.Equal(t, got.StartedAt, got.LastActivity)
}

func TestUpsertReplacesSameName(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Upsert(&Session{ID: "a", AgentName: "scout-1", Capability: CapScout}))
	require.NoError(t, r.Upsert(&Session{ID: "b", AgentName: "scout-1", Capability: CapScout}))

	all, err := r.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ID)
}

func TestUpsertValidation(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Upsert(&Session{AgentName: "x", Capability: "wizard"})
	assert.Error(t, err)

	err = r.Upsert(&Session{Capability: CapScout})
	assert.Error(t, err)
}

func TestActiveSetExcludesTerminalStates(t *testing.T) {
	r := newTestRegistry(t)

	for _, s := range []*Session{
		{ID: "1", AgentName: "a", Capability: CapBuilder, State: StateBooting},
		{ID: "2", AgentName: "b", Capability: CapBuilder, State: StateWorking},
		{ID: "3", AgentName: "c", Capability: CapBuilder, State: StateStalled},
		{ID: "4", AgentName: "d", Capability: CapBuilder, State: StateCompleted},
		{ID: "5", AgentName: "e", Capability: CapBuilder, State: StateZombie},
	} {
		require.NoError(t, r.Upsert(s))
	}

	active, err := r.GetActive()
	require.NoError(t, err)
	names := make([]string, len(active))
	for i, s := range active {
		names[i] = s.AgentName
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestUpdateStateStalledRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Upsert(&Session{ID: "1", AgentName: "w", Capability: CapBuilder, State: StateWorking}))

	require.NoError(t, r.UpdateState("w", StateStalled))
	s, err := r.GetByName("w")
	require.NoError(t, err)
	require.NotNil(t, s.StalledSince)
	first := *s.StalledSince

	// A second stall transition must not move the original timestamp.
	require.NoError(t, r.UpdateState("w", StateStalled))
	s, err = r.GetByName("w")
	require.NoError(t, err)
	assert.Equal(t, first, *s.StalledSince)

	require.NoError(t, r.UpdateEscalation("w", 2))
	require.NoError(t, r.UpdateState("w", StateWorking))
	s, err = r.GetByName("w")
	require.NoError(t, err)
	assert.Nil(t, s.StalledSince)
	assert.Equal(t, 0, s.EscalationLevel)
}

func TestUpdateStateUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	err := r.UpdateState("ghost", StateWorking)
	assert.Error(t, err)
}

func TestActivityPromotesBooting(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Upsert(&Session{ID: "1", AgentName: "w", Capability: CapScout}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, r.UpdateLastActivity("w", now))

	s, err := r.GetByName("w")
	require.NoError(t, err)
	assert.Equal(t, StateWorking, s.State)
	assert.Equal(t, now, s.LastActivity)

	// Activity on a stalled session stamps the clock but leaves the state
	// transition to the watchdog.
	require.NoError(t, r.UpdateState("w", StateStalled))
	require.NoError(t, r.UpdateLastActivity("w", now.Add(time.Second)))
	s, err = r.GetByName("w")
	require.NoError(t, err)
	assert.Equal(t, StateStalled, s.State)
}

func TestGetByCapability(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Upsert(&Session{ID: "1", AgentName: "rev-1", Capability: CapReviewer, State: StateWorking}))
	require.NoError(t, r.Upsert(&Session{ID: "2", AgentName: "b-1", Capability: CapBuilder, State: StateWorking}))
	require.NoError(t, r.Upsert(&Session{ID: "3", AgentName: "rev-2", Capability: CapReviewer, State: StateCompleted}))

	revs, err := r.GetByCapability(CapReviewer)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "rev-1", revs[0].AgentName)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Upsert(&Session{ID: "1", AgentName: "w", Capability: CapScout}))
	require.NoError(t, r.Remove("w"))
	require.NoError(t, r.Remove("w"))

	s, err := r.GetByName("w")
	require.NoError(t, err)
	assert.Nil(t, s)
}
