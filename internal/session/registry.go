package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/store"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	agent_name TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	capability TEXT NOT NULL,
	worktree_path TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	bead_id TEXT NOT NULL DEFAULT '',
	tmux_session TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	parent_agent TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	run_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL CHECK (state IN ('booting', 'working', 'completed', 'stalled', 'zombie')),
	started_at INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	stalled_since INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id);
`

const sessionColumns = `agent_name, id, capability, worktree_path, branch_name,
	bead_id, tmux_session, pid, parent_agent, depth, run_id, state,
	started_at, last_activity, escalation_level, stalled_since`

// Registry is the durable session table. One row per agent name; a
// respawn under the same name replaces the old record.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (creating if necessary) the session registry at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sessionsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sessions schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Upsert registers a session, replacing any existing record for the same
// agent name.
func (r *Registry) Upsert(s *Session) error {
	if s.AgentName == "" {
		return &oserr.ValidationError{Field: "agentName", Value: "", Msg: "must not be empty"}
	}
	if !s.Capability.Valid() {
		return &oserr.ValidationError{Field: "capability", Value: string(s.Capability), Msg: "unknown capability"}
	}
	if s.State == "" {
		s.State = StateBooting
	}
	if !s.State.Valid() {
		return &oserr.ValidationError{Field: "state", Value: string(s.State), Msg: "unknown state"}
	}
	now := time.Now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.StartedAt
	}

	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.AgentName, s.ID, string(s.Capability), s.WorktreePath, s.BranchName,
		s.BeadID, s.TmuxSession, s.PID, s.ParentAgent, s.Depth, s.RunID,
		string(s.State), s.StartedAt.UnixMilli(), s.LastActivity.UnixMilli(),
		s.EscalationLevel, msOrNil(s.StalledSince),
	)
	if err != nil {
		return &oserr.AgentError{Agent: s.AgentName, Op: "register", Err: err}
	}
	return nil
}

// Remove deletes the session for agent. Removing an absent agent is a no-op.
func (r *Registry) Remove(agent string) error {
	if _, err := r.db.Exec(`DELETE FROM sessions WHERE agent_name = ?`, agent); err != nil {
		return &oserr.AgentError{Agent: agent, Op: "remove", Err: err}
	}
	return nil
}

// GetByName returns the session for agent, or nil if none is registered.
func (r *Registry) GetByName(agent string) (*Session, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE agent_name = ?`, agent)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &oserr.AgentError{Agent: agent, Op: "get", Err: err}
	}
	return s, nil
}

// GetAll returns every registered session, oldest start first.
func (r *Registry) GetAll() ([]*Session, error) {
	return r.queryMany(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at ASC, agent_name ASC`)
}

// GetActive returns sessions in an active state (booting, working, or
// stalled), oldest start first.
func (r *Registry) GetActive() ([]*Session, error) {
	return r.queryMany(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE state IN ('booting', 'working', 'stalled')
		ORDER BY started_at ASC, agent_name ASC`)
}

// GetByRun returns every session belonging to one run.
func (r *Registry) GetByRun(runID string) ([]*Session, error) {
	return r.queryMany(`SELECT `+sessionColumns+` FROM sessions
		WHERE run_id = ? ORDER BY started_at ASC, agent_name ASC`, runID)
}

// GetByCapability returns active sessions with the given capability.
func (r *Registry) GetByCapability(c Capability) ([]*Session, error) {
	return r.queryMany(`SELECT `+sessionColumns+` FROM sessions
		WHERE capability = ? AND state IN ('booting', 'working', 'stalled')
		ORDER BY started_at ASC, agent_name ASC`, string(c))
}

// UpdateState moves agent to state. Entering stalled records stalledSince;
// leaving it clears the timestamp and resets the escalation level.
func (r *Registry) UpdateState(agent string, state State) error {
	if !state.Valid() {
		return &oserr.ValidationError{Field: "state", Value: string(state), Msg: "unknown state"}
	}
	var res sql.Result
	var err error
	if state == StateStalled {
		res, err = r.db.Exec(
			`UPDATE sessions SET state = ?, stalled_since = COALESCE(stalled_since, ?)
			 WHERE agent_name = ?`,
			string(state), time.Now().UnixMilli(), agent)
	} else {
		res, err = r.db.Exec(
			`UPDATE sessions SET state = ?, stalled_since = NULL, escalation_level = 0
			 WHERE agent_name = ?`,
			string(state), agent)
	}
	if err != nil {
		return &oserr.AgentError{Agent: agent, Op: "updateState", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &oserr.AgentError{Agent: agent, Op: "updateState", Err: fmt.Errorf("not registered")}
	}
	return nil
}

// UpdateLastActivity stamps agent's last-activity clock. A booting agent
// making its first tool call is promoted to working at the same time.
func (r *Registry) UpdateLastActivity(agent string, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE sessions SET last_activity = ?,
			state = CASE WHEN state = 'booting' THEN 'working' ELSE state END
		 WHERE agent_name = ?`,
		at.UnixMilli(), agent)
	if err != nil {
		return &oserr.AgentError{Agent: agent, Op: "updateActivity", Err: err}
	}
	return nil
}

// UpdateEscalation sets the watchdog escalation level for agent.
func (r *Registry) UpdateEscalation(agent string, level int) error {
	_, err := r.db.Exec(`UPDATE sessions SET escalation_level = ? WHERE agent_name = ?`, level, agent)
	if err != nil {
		return &oserr.AgentError{Agent: agent, Op: "updateEscalation", Err: err}
	}
	return nil
}

// UpdatePID records the worker's process id once known.
func (r *Registry) UpdatePID(agent string, pid int) error {
	_, err := r.db.Exec(`UPDATE sessions SET pid = ? WHERE agent_name = ?`, pid, agent)
	if err != nil {
		return &oserr.AgentError{Agent: agent, Op: "updatePid", Err: err}
	}
	return nil
}

func (r *Registry) queryMany(q string, args ...any) ([]*Session, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(scanner interface{ Scan(...any) error }) (*Session, error) {
	var (
		s            Session
		startedMs    int64
		activityMs   int64
		stalledSince sql.NullInt64
	)
	err := scanner.Scan(&s.AgentName, &s.ID, &s.Capability, &s.WorktreePath,
		&s.BranchName, &s.BeadID, &s.TmuxSession, &s.PID, &s.ParentAgent,
		&s.Depth, &s.RunID, &s.State, &startedMs, &activityMs,
		&s.EscalationLevel, &stalledSince)
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.UnixMilli(startedMs).UTC()
	s.LastActivity = time.UnixMilli(activityMs).UTC()
	if stalledSince.Valid {
		t := time.UnixMilli(stalledSince.Int64).UTC()
		s.StalledSince = &t
	}
	return &s, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
