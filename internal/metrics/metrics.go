// Package metrics records per-session outcome metrics.
//
// Recording is fire and forget from the session-end hook; the store exists
// so `overstory metrics` can answer "how long do builders take" without
// replaying the whole event log.
package metrics

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/obra/overstory/internal/store"
)

const metricsSchema = `
CREATE TABLE IF NOT EXISTS session_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name TEXT NOT NULL,
	capability TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	bead_id TEXT NOT NULL DEFAULT '',
	final_state TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	ended_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_metrics_ended ON session_metrics(ended_at);
CREATE INDEX IF NOT EXISTS idx_session_metrics_run ON session_metrics(run_id);
`

// SessionMetric is one finished session's summary row.
type SessionMetric struct {
	ID         int64     `json:"id"`
	AgentName  string    `json:"agentName"`
	Capability string    `json:"capability"`
	RunID      string    `json:"runId,omitempty"`
	BeadID     string    `json:"beadId,omitempty"`
	FinalState string    `json:"finalState"`
	Duration   int64     `json:"durationMs"`
	ToolCalls  int       `json:"toolCalls"`
	EndedAt    time.Time `json:"endedAt"`
}

// Store is the durable metrics table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metrics store at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(metricsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating metrics schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Record stores one session summary.
func (s *Store) Record(m *SessionMetric) error {
	if m.EndedAt.IsZero() {
		m.EndedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO session_metrics (agent_name, capability, run_id, bead_id,
			final_state, duration_ms, tool_calls, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AgentName, m.Capability, m.RunID, m.BeadID,
		m.FinalState, m.Duration, m.ToolCalls, m.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording session metric: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// Last returns the n most recent session metrics, newest first. n <= 0
// returns everything.
func (s *Store) Last(n int) ([]*SessionMetric, error) {
	q := `SELECT id, agent_name, capability, run_id, bead_id,
			final_state, duration_ms, tool_calls, ended_at
		  FROM session_metrics ORDER BY ended_at DESC, id DESC`
	var args []any
	if n > 0 {
		q += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing session metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*SessionMetric
	for rows.Next() {
		var (
			m       SessionMetric
			endedMs int64
		)
		err := rows.Scan(&m.ID, &m.AgentName, &m.Capability, &m.RunID, &m.BeadID,
			&m.FinalState, &m.Duration, &m.ToolCalls, &endedMs)
		if err != nil {
			return nil, fmt.Errorf("scanning session metric: %w", err)
		}
		m.EndedAt = time.UnixMilli(endedMs).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Summary aggregates metrics per capability.
type Summary struct {
	Capability    string `json:"capability"`
	Sessions      int    `json:"sessions"`
	AvgDurationMs int64  `json:"avgDurationMs"`
	AvgToolCalls  int64  `json:"avgToolCalls"`
	Completed     int    `json:"completed"`
}

// Summarize aggregates every recorded session by capability.
func (s *Store) Summarize() ([]*Summary, error) {
	rows, err := s.db.Query(`
		SELECT capability, COUNT(*), CAST(AVG(duration_ms) AS INTEGER),
			CAST(AVG(tool_calls) AS INTEGER),
			SUM(CASE WHEN final_state = 'completed' THEN 1 ELSE 0 END)
		FROM session_metrics GROUP BY capability ORDER BY capability`)
	if err != nil {
		return nil, fmt.Errorf("summarizing metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Capability, &sum.Sessions, &sum.AvgDurationMs,
			&sum.AvgToolCalls, &sum.Completed); err != nil {
			return nil, fmt.Errorf("scanning metrics summary: %w", err)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}
