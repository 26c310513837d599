// Package watchdog patrols the session registry for stuck workers.
//
// Tier 0 is purely mechanical: probe the tmux session and the process,
// compare last activity against the stale and zombie thresholds, and act.
// Tier 1 optionally asks an ephemeral AI probe to classify a stall before
// anyone is paged. Tier 2 (a long-running monitor agent) is registered
// like any other agent and needs nothing from this package beyond the
// persistent-capability exemption.
package watchdog

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/obra/overstory/internal/config"
	"github.com/obra/overstory/internal/mail"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/tmux"
)

// Action is what tier 0 decided for one session.
type Action string

const (
	ActionNone        Action = "none"
	ActionEscalate    Action = "escalate"
	ActionTerminate   Action = "terminate"
	ActionInvestigate Action = "investigate"
)

// HealthCheck is one session's patrol verdict.
type HealthCheck struct {
	Agent        string        `json:"agent"`
	Action       Action        `json:"action"`
	TmuxAlive    bool          `json:"tmuxAlive"`
	ProcessAlive bool          `json:"processAlive"`
	Idle         time.Duration `json:"idleMs"`

	// EscalationLevel is the level after this check was applied.
	EscalationLevel int `json:"escalationLevel"`

	// ReconciliationNote records a registry/reality mismatch, such as a
	// session marked working whose process is gone.
	ReconciliationNote string `json:"reconciliationNote,omitempty"`

	// TriageNote is the tier 1 classification, when triage ran.
	TriageNote string `json:"triageNote,omitempty"`
}

// MailSender is the slice of the mail client the watchdog uses for
// progressive nudges.
type MailSender interface {
	Send(m *mail.Message) ([]*mail.Message, error)
}

// Watchdog runs tier 0 patrols against the registry.
type Watchdog struct {
	Registry *session.Registry
	Config   *config.Config
	Mail     MailSender

	// TmuxAlive and ProcessAlive override the real probes in tests.
	TmuxAlive    func(sessionName string) bool
	ProcessAlive func(pid int) bool

	// Triage classifies a stalled session; nil or disabled config skips it.
	Triage func(s *session.Session) (string, error)

	// KillSession tears down a zombie's terminal.
	KillSession func(sessionName string) error

	// Now overrides the clock in tests.
	Now func() time.Time

	// probeCache memoizes liveness probes within a patrol burst. Probing
	// tmux is a subprocess per call; a patrol over many sessions would
	// otherwise hammer it for the same answer.
	probeCache *cache.Cache
}

// New returns a Watchdog with the real probes wired in.
func New(reg *session.Registry, cfg *config.Config, sender MailSender) *Watchdog {
	interval := time.Duration(cfg.Watchdog.Tier0IntervalMs) * time.Millisecond
	return &Watchdog{
		Registry:     reg,
		Config:       cfg,
		Mail:         sender,
		TmuxAlive:    tmux.HasSession,
		ProcessAlive: processAlive,
		KillSession:  tmux.KillSession,
		Now:          time.Now,
		probeCache:   cache.New(interval/2, interval),
	}
}

// Patrol runs one tier 0 pass over the active set and returns the checks,
// applying every derived action.
func (w *Watchdog) Patrol() ([]*HealthCheck, error) {
	active, err := w.Registry.GetActive()
	if err != nil {
		return nil, fmt.Errorf("reading active sessions: %w", err)
	}
	checks := make([]*HealthCheck, 0, len(active))
	for _, s := range active {
		hc := w.Evaluate(s)
		if err := w.apply(s, hc); err != nil {
			return checks, err
		}
		checks = append(checks, hc)
	}
	return checks, nil
}

// Evaluate derives the health check for one session without acting on it.
func (w *Watchdog) Evaluate(s *session.Session) *HealthCheck {
	now := w.now()
	hc := &HealthCheck{
		Agent:           s.AgentName,
		Action:          ActionNone,
		Idle:            now.Sub(s.LastActivity),
		EscalationLevel: s.EscalationLevel,
		TmuxAlive:       w.tmuxAlive(s.TmuxSession),
		ProcessAlive:    true,
	}
	if s.PID > 0 {
		hc.ProcessAlive = w.processAlive(s.PID)
	}

	if !hc.TmuxAlive || !hc.ProcessAlive {
		hc.Action = ActionTerminate
		hc.ReconciliationNote = fmt.Sprintf(
			"registry says %s but tmux=%t process=%t", s.State, hc.TmuxAlive, hc.ProcessAlive)
		return hc
	}

	// Persistent agents idle legitimately between tasks.
	if s.Capability.IsPersistent() {
		return hc
	}

	zombieAfter := time.Duration(w.Config.Watchdog.ZombieThresholdMs) * time.Millisecond
	staleAfter := time.Duration(w.Config.Watchdog.StaleThresholdMs) * time.Millisecond
	switch {
	case zombieAfter > 0 && hc.Idle >= zombieAfter:
		hc.Action = ActionTerminate
	case staleAfter > 0 && hc.Idle >= staleAfter:
		hc.Action = ActionEscalate
		hc.EscalationLevel = s.EscalationLevel + 1
		if hc.EscalationLevel >= 3 {
			hc.Action = ActionTerminate
		}
	}
	return hc
}

func (w *Watchdog) apply(s *session.Session, hc *HealthCheck) error {
	switch hc.Action {
	case ActionNone:
		return nil

	case ActionEscalate:
		if err := w.Registry.UpdateState(s.AgentName, session.StateStalled); err != nil {
			return err
		}
		if err := w.Registry.UpdateEscalation(s.AgentName, hc.EscalationLevel); err != nil {
			return err
		}
		w.nudge(s, hc.EscalationLevel)
		w.triage(s, hc)
		return nil

	case ActionTerminate:
		if w.KillSession != nil {
			_ = w.KillSession(s.TmuxSession)
		}
		return w.Registry.UpdateState(s.AgentName, session.StateZombie)
	}
	return nil
}

// nudge sends the progressive mail for an escalation step. Severity climbs
// with the level; delivery failures are ignored, the next patrol retries.
func (w *Watchdog) nudge(s *session.Session, level int) {
	if w.Mail == nil {
		return
	}
	priority := mail.PriorityNormal
	body := fmt.Sprintf("No activity for %s. Reply with a status update.", w.idleString(s))
	switch {
	case level >= 2:
		priority = mail.PriorityUrgent
		body = fmt.Sprintf("Final warning: no activity for %s. You will be terminated on the next check.", w.idleString(s))
	case level == 1:
		priority = mail.PriorityHigh
	}
	_, _ = w.Mail.Send(&mail.Message{
		From:     "watchdog",
		To:       s.AgentName,
		Subject:  fmt.Sprintf("health check (level %d)", level),
		Body:     body,
		Priority: priority,
		Type:     mail.TypeHealthCheck,
	})
}

func (w *Watchdog) triage(s *session.Session, hc *HealthCheck) {
	if w.Triage == nil || !w.Config.Watchdog.TriageEnabled {
		return
	}
	note, err := w.Triage(s)
	if err != nil {
		hc.TriageNote = fmt.Sprintf("triage failed: %v", err)
		return
	}
	hc.Action = ActionInvestigate
	hc.TriageNote = note
}

func (w *Watchdog) idleString(s *session.Session) string {
	return w.now().Sub(s.LastActivity).Truncate(time.Second).String()
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Watchdog) tmuxAlive(name string) bool {
	if name == "" {
		return true
	}
	if w.probeCache != nil {
		if v, ok := w.probeCache.Get("tmux:" + name); ok {
			return v.(bool)
		}
	}
	alive := w.TmuxAlive == nil || w.TmuxAlive(name)
	if w.probeCache != nil {
		w.probeCache.SetDefault("tmux:"+name, alive)
	}
	return alive
}

func (w *Watchdog) processAlive(pid int) bool {
	if w.ProcessAlive == nil {
		return true
	}
	if w.probeCache != nil {
		key := fmt.Sprintf("pid:%d", pid)
		if v, ok := w.probeCache.Get(key); ok {
			return v.(bool)
		}
		alive := w.ProcessAlive(pid)
		w.probeCache.SetDefault(key, alive)
		return alive
	}
	return w.ProcessAlive(pid)
}
