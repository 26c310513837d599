// Package session provides the authoritative registry of live agent
// sessions and the run store that groups them.
//
// The registry exclusively owns session mutations; every other component
// (watchdog, mail client, CLI verbs) is a reader. Processes coordinate
// through the store's single-writer discipline (WAL plus busy timeout),
// not through in-process locks.
package session

import "time"

// Capability is an agent role from the closed set. It determines the
// guard policy and default tool set a worker is spawned with.
type Capability string

const (
	CapScout       Capability = "scout"
	CapBuilder     Capability = "builder"
	CapReviewer    Capability = "reviewer"
	CapLead        Capability = "lead"
	CapMerger      Capability = "merger"
	CapCoordinator Capability = "coordinator"
	CapSupervisor  Capability = "supervisor"
	CapMonitor     Capability = "monitor"
)

// AllCapabilities lists the closed capability set.
var AllCapabilities = []Capability{
	CapScout, CapBuilder, CapReviewer, CapLead,
	CapMerger, CapCoordinator, CapSupervisor, CapMonitor,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	for _, k := range AllCapabilities {
		if c == k {
			return true
		}
	}
	return false
}

// CanImplement reports whether this capability may edit files. Everything
// else gets the read-only guard overlay; any unknown value defaults to the
// safest policy (non-implementation).
func (c Capability) CanImplement() bool {
	return c == CapBuilder || c == CapMerger
}

// IsPersistent reports whether agents of this capability outlive a single
// task. Persistent agents are never moved to completed by session-end.
func (c Capability) IsPersistent() bool {
	return c == CapMonitor || c == CapSupervisor || c == CapCoordinator
}

// State is the lifecycle state of a session.
type State string

const (
	// StateBooting means the worker was spawned but has made no tool call yet.
	StateBooting State = "booting"

	// StateWorking means the worker is actively making tool calls.
	StateWorking State = "working"

	// StateCompleted means the session ended normally.
	StateCompleted State = "completed"

	// StateStalled means the watchdog saw no activity past the stale threshold.
	StateStalled State = "stalled"

	// StateZombie means the session was terminated or its process vanished.
	StateZombie State = "zombie"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateBooting, StateWorking, StateCompleted, StateStalled, StateZombie:
		return true
	}
	return false
}

// IsActive reports whether a session in this state counts toward the
// active set (booting, working, or stalled — stalled sessions are still
// live processes that may recover).
func (s State) IsActive() bool {
	return s == StateBooting || s == StateWorking || s == StateStalled
}

// Session is the authoritative live record of one worker.
type Session struct {
	// ID is a stable identifier assigned at spawn.
	ID string `json:"id"`

	// AgentName is unique across live sessions; one row per name.
	AgentName string `json:"agentName"`

	Capability Capability `json:"capability"`

	// Placement.
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	BeadID       string `json:"beadId"`
	TmuxSession  string `json:"tmuxSession"`
	PID          int    `json:"pid,omitempty"`

	// Lineage.
	ParentAgent string `json:"parentAgent,omitempty"`
	Depth       int    `json:"depth"`
	RunID       string `json:"runId,omitempty"`

	// State and health.
	State           State      `json:"state"`
	StartedAt       time.Time  `json:"startedAt"`
	LastActivity    time.Time  `json:"lastActivity"`
	EscalationLevel int        `json:"escalationLevel"`
	StalledSince    *time.Time `json:"stalledSince,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run groups every session spawned by one orchestrator session.
type Run struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	AgentCount  int        `json:"agentCount"`
	Status      RunStatus  `json:"status"`
}
