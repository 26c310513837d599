// Package events provides the append-only observability store.
//
// Every agent action (tool calls, session boundaries, mail, spawns) lands
// here as a StoredEvent. The store is observability-only: protocol mail is
// the source of truth for inter-agent causality, and event recording on
// hot paths is fire-and-forget.
package events

import "time"

// EventType classifies a stored event.
type EventType string

const (
	TypeToolStart    EventType = "tool_start"
	TypeToolEnd      EventType = "tool_end"
	TypeSessionStart EventType = "session_start"
	TypeSessionEnd   EventType = "session_end"
	TypeMailSent     EventType = "mail_sent"
	TypeMailReceived EventType = "mail_received"
	TypeSpawn        EventType = "spawn"
	TypeError        EventType = "error"
	TypeCustom       EventType = "custom"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case TypeToolStart, TypeToolEnd, TypeSessionStart, TypeSessionEnd,
		TypeMailSent, TypeMailReceived, TypeSpawn, TypeError, TypeCustom:
		return true
	}
	return false
}

// Level is the severity of a stored event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// StoredEvent is one row in the event log.
type StoredEvent struct {
	// ID is assigned by the store, monotone increasing.
	ID int64 `json:"id"`

	// RunID groups events under one orchestrator run, when known.
	RunID string `json:"runId,omitempty"`

	// AgentName is the acting agent.
	AgentName string `json:"agentName"`

	// SessionID is the assistant session UUID, when known.
	SessionID string `json:"sessionId,omitempty"`

	// EventType classifies the event.
	EventType EventType `json:"eventType"`

	// ToolName is set for tool_start/tool_end events.
	ToolName string `json:"toolName,omitempty"`

	// ToolArgs is the caller-filtered argument JSON, stored verbatim.
	ToolArgs string `json:"toolArgs,omitempty"`

	// ToolDurationMs is written once when a tool_end correlates back to
	// this tool_start row.
	ToolDurationMs *int64 `json:"toolDurationMs,omitempty"`

	// Level is the severity.
	Level Level `json:"level"`

	// Data carries free-form detail (summaries, error text).
	Data string `json:"data,omitempty"`

	// CreatedAt is assigned by the store.
	CreatedAt time.Time `json:"createdAt"`
}

// QueryOptions narrow event queries. Zero values mean "no filter".
type QueryOptions struct {
	Limit int
	Since time.Time
	Until time.Time
	Level Level
}

// Correlation is the result of correlating a tool_end to its tool_start.
type Correlation struct {
	StartID    int64
	DurationMs int64
}

// ToolStat aggregates durations per tool.
type ToolStat struct {
	ToolName   string  `json:"toolName"`
	Count      int64   `json:"count"`
	TotalMs    int64   `json:"totalMs"`
	AvgMs      float64 `json:"avgMs"`
	MaxMs      int64   `json:"maxMs"`
	ErrorCount int64   `json:"errorCount"`
}

// PurgeOptions select events to delete.
type PurgeOptions struct {
	All         bool
	OlderThanMs int64
	AgentName   string
}
