package watchdog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obra/overstory/internal/config"
	"github.com/obra/overstory/internal/mail"
	"github.com/obra/overstory/internal/session"
)

type sentMail struct {
	msgs []*mail.Message
}

func (s *sentMail) Send(m *mail.Message) ([]*mail.Message, error) {
	s.msgs = append(s.msgs, m)
	return []*mail.Message{m}, nil
}

func newTestWatchdog(t *testing.T) (*Watchdog, *session.Registry, *sentMail) {
	t.Helper()
	reg, err := session.OpenRegistry(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	cfg := config.Default()
	sender := &sentMail{}
	w := New(reg, cfg, sender)
	w.TmuxAlive = func(string) bool { return true }
	w.ProcessAlive = func(int) bool { return true }
	w.KillSession = func(string) error { return nil }
	// Fresh state per Evaluate call; the default cache would pin the first
	// probe answer across sub-tests.
	w.probeCache = nil
	return w, reg, sender
}

func seed(t *testing.T, reg *session.Registry, name string, cap session.Capability, idle time.Duration, now time.Time) *session.Session {
	t.Helper()
	s := &session.Session{
		ID: "sess-" + name, AgentName: name, Capability: cap,
		TmuxSession: "overstory-" + name,
		State:       session.StateWorking,
		StartedAt:   now.Add(-idle - time.Minute),
	}
	require.NoError(t, reg.Upsert(s))
	require.NoError(t, reg.UpdateLastActivity(name, now.Add(-idle)))
	got, err := reg.GetByName(name)
	require.NoError(t, err)
	return got
}

func TestHealthyWorkerIsLeftAlone(t *testing.T) {
	w, reg, sender := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }
	seed(t, reg, "builder-1", session.CapBuilder, 10*time.Second, now)

	checks, err := w.Patrol()
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, ActionNone, checks[0].Action)
	assert.Empty(t, sender.msgs)

	s, err := reg.GetByName("builder-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateWorking, s.State)
}

func TestStaleWorkerEscalatesProgressively(t *testing.T) {
	w, reg, sender := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }

	stale := time.Duration(w.Config.Watchdog.StaleThresholdMs) * time.Millisecond
	seed(t, reg, "builder-1", session.CapBuilder, stale+time.Second, now)

	// First escalation: level 1, high priority nudge, state stalled.
	checks, err := w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, checks[0].Action)
	assert.Equal(t, 1, checks[0].EscalationLevel)

	s, err := reg.GetByName("builder-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateStalled, s.State)
	require.NotNil(t, s.StalledSince)
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, mail.PriorityHigh, sender.msgs[0].Priority)
	assert.Equal(t, mail.TypeHealthCheck, sender.msgs[0].Type)

	// Second escalation: level 2, urgent final warning.
	checks, err = w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, checks[0].Action)
	assert.Equal(t, 2, checks[0].EscalationLevel)
	require.Len(t, sender.msgs, 2)
	assert.Equal(t, mail.PriorityUrgent, sender.msgs[1].Priority)
	assert.Contains(t, sender.msgs[1].Body, "Final warning")

	// Third step reaches level 3: terminate.
	killed := []string{}
	w.KillSession = func(name string) error { killed = append(killed, name); return nil }
	checks, err = w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionTerminate, checks[0].Action)
	assert.Equal(t, []string{"overstory-builder-1"}, killed)

	s, err = reg.GetByName("builder-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateZombie, s.State)
}

func TestZombieThresholdTerminatesDirectly(t *testing.T) {
	w, reg, _ := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }

	zombie := time.Duration(w.Config.Watchdog.ZombieThresholdMs) * time.Millisecond
	seed(t, reg, "builder-1", session.CapBuilder, zombie+time.Second, now)

	checks, err := w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionTerminate, checks[0].Action)

	s, err := reg.GetByName("builder-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateZombie, s.State)
}

func TestDeadProcessReconciles(t *testing.T) {
	w, reg, _ := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }
	w.TmuxAlive = func(string) bool { return false }

	seed(t, reg, "builder-1", session.CapBuilder, time.Second, now)

	checks, err := w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionTerminate, checks[0].Action)
	assert.Contains(t, checks[0].ReconciliationNote, "tmux=false")

	s, err := reg.GetByName("builder-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateZombie, s.State)
}

func TestPersistentAgentsAreExemptFromStaleness(t *testing.T) {
	w, reg, sender := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }

	zombie := time.Duration(w.Config.Watchdog.ZombieThresholdMs) * time.Millisecond
	seed(t, reg, "monitor-1", session.CapMonitor, zombie*10, now)

	checks, err := w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, checks[0].Action)
	assert.Empty(t, sender.msgs)

	// A persistent agent whose terminal died still gets reconciled.
	w.TmuxAlive = func(string) bool { return false }
	checks, err = w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionTerminate, checks[0].Action)
}

func TestTriageClassifiesStalls(t *testing.T) {
	w, reg, _ := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }
	w.Config.Watchdog.TriageEnabled = true
	w.Triage = func(s *session.Session) (string, error) {
		return "waiting on a network fetch", nil
	}

	stale := time.Duration(w.Config.Watchdog.StaleThresholdMs) * time.Millisecond
	seed(t, reg, "builder-1", session.CapBuilder, stale+time.Second, now)

	checks, err := w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionInvestigate, checks[0].Action)
	assert.Equal(t, "waiting on a network fetch", checks[0].TriageNote)
}

func TestRecoveryResetsEscalation(t *testing.T) {
	w, reg, _ := newTestWatchdog(t)
	now := time.Now().UTC()
	w.Now = func() time.Time { return now }

	stale := time.Duration(w.Config.Watchdog.StaleThresholdMs) * time.Millisecond
	seed(t, reg, "builder-1", session.CapBuilder, stale+time.Second, now)

	_, err := w.Patrol()
	require.NoError(t, err)

	// The worker makes a tool call; the hook stamps activity and the
	// registry promotion path clears the stall on the next state change.
	require.NoError(t, reg.UpdateLastActivity("builder-1", now))
	require.NoError(t, reg.UpdateState("builder-1", session.StateWorking))

	checks, err := w.Patrol()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, checks[0].Action)
	s, err := reg.GetByName("builder-1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.EscalationLevel)
	assert.Nil(t, s.StalledSince)
}
