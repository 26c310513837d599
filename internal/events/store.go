package events

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/obra/overstory/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT,
	agent_name TEXT NOT NULL,
	session_id TEXT,
	event_type TEXT NOT NULL CHECK (event_type IN (
		'tool_start', 'tool_end', 'session_start', 'session_end',
		'mail_sent', 'mail_received', 'spawn', 'error', 'custom')),
	tool_name TEXT,
	tool_args TEXT,
	tool_duration_ms INTEGER,
	level TEXT NOT NULL DEFAULT 'info' CHECK (level IN ('debug', 'info', 'warn', 'error')),
	data TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_name, created_at);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_correlate ON events(agent_name, tool_name, event_type);
`

// Store is the durable event log. One writer at a time; many readers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event store at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating events schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const eventColumns = `id, run_id, agent_name, session_id, event_type,
	tool_name, tool_args, tool_duration_ms, level, data, created_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*StoredEvent, error) {
	var (
		ev         StoredEvent
		runID      sql.NullString
		sessionID  sql.NullString
		toolName   sql.NullString
		toolArgs   sql.NullString
		durationMs sql.NullInt64
		data       sql.NullString
		createdMs  int64
	)
	err := scanner.Scan(&ev.ID, &runID, &ev.AgentName, &sessionID, &ev.EventType,
		&toolName, &toolArgs, &durationMs, &ev.Level, &data, &createdMs)
	if err != nil {
		return nil, err
	}
	ev.RunID = runID.String
	ev.SessionID = sessionID.String
	ev.ToolName = toolName.String
	ev.ToolArgs = toolArgs.String
	ev.Data = data.String
	ev.CreatedAt = time.UnixMilli(createdMs).UTC()
	if durationMs.Valid {
		d := durationMs.Int64
		ev.ToolDurationMs = &d
	}
	return &ev, nil
}

// Insert appends an event, assigning its id and createdAt.
// Level defaults to info when unset.
func (s *Store) Insert(ev *StoredEvent) (int64, error) {
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if !ev.Level.Valid() {
		return 0, fmt.Errorf("invalid event level %q", ev.Level)
	}
	if !ev.EventType.Valid() {
		return 0, fmt.Errorf("invalid event type %q", ev.EventType)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT INTO events (run_id, agent_name, session_id, event_type,
			tool_name, tool_args, tool_duration_ms, level, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(ev.RunID), ev.AgentName, nullable(ev.SessionID), string(ev.EventType),
		nullable(ev.ToolName), nullable(ev.ToolArgs), ev.ToolDurationMs,
		string(ev.Level), nullable(ev.Data), ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event id: %w", err)
	}
	ev.ID = id
	return id, nil
}

// CorrelateToolEnd finds the most recent tool_start for (agent, tool) whose
// duration is still unset, writes the measured duration onto it, and
// returns the correlation. Returns nil if no uncorrelated start exists,
// which makes a second call for the same start idempotent.
func (s *Store) CorrelateToolEnd(agentName, toolName string) (*Correlation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning correlation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var startID, createdMs int64
	err = tx.QueryRow(
		`SELECT id, created_at FROM events
		 WHERE agent_name = ? AND tool_name = ? AND event_type = 'tool_start'
		   AND tool_duration_ms IS NULL
		 ORDER BY id DESC LIMIT 1`,
		agentName, toolName,
	).Scan(&startID, &createdMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding tool_start: %w", err)
	}

	durationMs := time.Now().UnixMilli() - createdMs
	if durationMs < 0 {
		durationMs = 0
	}

	if _, err := tx.Exec(
		`UPDATE events SET tool_duration_ms = ? WHERE id = ? AND tool_duration_ms IS NULL`,
		durationMs, startID,
	); err != nil {
		return nil, fmt.Errorf("writing tool duration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing correlation: %w", err)
	}
	return &Correlation{StartID: startID, DurationMs: durationMs}, nil
}

// GetByAgent returns events for one agent, chronological ascending.
func (s *Store) GetByAgent(agentName string, opts QueryOptions) ([]*StoredEvent, error) {
	return s.query(`agent_name = ?`, []any{agentName}, opts, "ASC")
}

// GetByRun returns events for one run, chronological ascending.
func (s *Store) GetByRun(runID string, opts QueryOptions) ([]*StoredEvent, error) {
	return s.query(`run_id = ?`, []any{runID}, opts, "ASC")
}

// GetErrors returns error-level events, newest first.
func (s *Store) GetErrors(opts QueryOptions) ([]*StoredEvent, error) {
	opts.Level = LevelError
	return s.query("1=1", nil, opts, "DESC")
}

// GetTimeline returns all events in chronological ascending order.
func (s *Store) GetTimeline(opts QueryOptions) ([]*StoredEvent, error) {
	return s.query("1=1", nil, opts, "ASC")
}

func (s *Store) query(where string, args []any, opts QueryOptions, order string) ([]*StoredEvent, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE ` + where)

	if opts.Level != "" {
		sb.WriteString(` AND level = ?`)
		args = append(args, string(opts.Level))
	}
	if !opts.Since.IsZero() {
		sb.WriteString(` AND created_at >= ?`)
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		sb.WriteString(` AND created_at <= ?`)
		args = append(args, opts.Until.UnixMilli())
	}
	sb.WriteString(` ORDER BY created_at ` + order + `, id ` + order)
	if opts.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetToolStats aggregates tool_start rows into per-tool duration stats.
// Only correlated rows (those with a written duration) contribute timings.
func (s *Store) GetToolStats(opts QueryOptions) ([]*ToolStat, error) {
	args := []any{}
	q := `SELECT tool_name,
		COUNT(*),
		COALESCE(SUM(tool_duration_ms), 0),
		COALESCE(AVG(tool_duration_ms), 0),
		COALESCE(MAX(tool_duration_ms), 0)
	FROM events
	WHERE event_type = 'tool_start' AND tool_name IS NOT NULL`
	if !opts.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, opts.Until.UnixMilli())
	}
	q += ` GROUP BY tool_name ORDER BY COUNT(*) DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ToolStat
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.ToolName, &st.Count, &st.TotalMs, &st.AvgMs, &st.MaxMs); err != nil {
			return nil, fmt.Errorf("scanning tool stat: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// Purge deletes events matching opts and returns the count deleted.
func (s *Store) Purge(opts PurgeOptions) (int64, error) {
	var (
		where string
		args  []any
	)
	switch {
	case opts.All:
		where = "1=1"
	case opts.AgentName != "" && opts.OlderThanMs > 0:
		where = `agent_name = ? AND created_at < ?`
		args = []any{opts.AgentName, cutoff(opts.OlderThanMs)}
	case opts.AgentName != "":
		where = `agent_name = ?`
		args = []any{opts.AgentName}
	case opts.OlderThanMs > 0:
		where = `created_at < ?`
		args = []any{cutoff(opts.OlderThanMs)}
	default:
		return 0, nil
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}
	return res.RowsAffected()
}

func cutoff(olderThanMs int64) int64 {
	return time.Now().UnixMilli() - olderThanMs
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
