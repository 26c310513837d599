package session

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/obra/overstory/internal/store"
	"github.com/obra/overstory/internal/util"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	agent_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'failed'))
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);
`

// RunStore tracks orchestrator runs alongside the session registry.
type RunStore struct {
	db *sql.DB

	// currentPath is the current-run pointer file; empty disables it.
	currentPath string
}

// OpenRuns opens (creating if necessary) the run store at path. currentPath
// names the pointer file recording the most recently started run so that
// hook subprocesses can find it without a registry query.
func OpenRuns(path, currentPath string) (*RunStore, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(runsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating runs schema: %w", err)
	}
	return &RunStore{db: db, currentPath: currentPath}, nil
}

// Close releases the underlying database.
func (r *RunStore) Close() error { return r.db.Close() }

// CreateRun starts a new run and updates the current-run pointer.
func (r *RunStore) CreateRun() (*Run, error) {
	run := &Run{
		ID:        "run-" + uuid.NewString()[:8],
		StartedAt: time.Now().UTC(),
		Status:    RunActive,
	}
	_, err := r.db.Exec(
		`INSERT INTO runs (id, started_at, agent_count, status) VALUES (?, ?, 0, ?)`,
		run.ID, run.StartedAt.UnixMilli(), string(run.Status))
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if err := r.writeCurrent(run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// GetActiveRun returns the most recently started active run, or nil when no
// run is active. Start times have millisecond resolution, so rowid breaks
// same-millisecond ties in insertion order.
func (r *RunStore) GetActiveRun() (*Run, error) {
	row := r.db.QueryRow(
		`SELECT id, started_at, completed_at, agent_count, status FROM runs
		 WHERE status = 'active' ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active run: %w", err)
	}
	return run, nil
}

// GetRun returns one run by id, or nil if absent.
func (r *RunStore) GetRun(id string) (*Run, error) {
	row := r.db.QueryRow(
		`SELECT id, started_at, completed_at, agent_count, status FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run, newest first.
func (r *RunStore) ListRuns() ([]*Run, error) {
	rows, err := r.db.Query(
		`SELECT id, started_at, completed_at, agent_count, status FROM runs
		 ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// IncrementAgentCount bumps the spawned-agent counter for a run.
func (r *RunStore) IncrementAgentCount(id string) error {
	_, err := r.db.Exec(`UPDATE runs SET agent_count = agent_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing agent count: %w", err)
	}
	return nil
}

// CompleteRun finishes a run with the given terminal status and clears the
// current-run pointer if it still names this run.
func (r *RunStore) CompleteRun(id string, status RunStatus) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("completing run: %q is not a terminal status", status)
	}
	res, err := r.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status = 'active'`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing run: %s is not active", id)
	}
	if cur, _ := r.readCurrent(); cur == id {
		if err := r.writeCurrent(""); err != nil {
			return err
		}
	}
	return nil
}

// CurrentRunID reads the current-run pointer file, returning "" when no
// pointer exists.
func (r *RunStore) CurrentRunID() (string, error) {
	return r.readCurrent()
}

// writeCurrent updates the pointer under an advisory lock so concurrent
// orchestrators do not interleave. An empty id removes the file.
func (r *RunStore) writeCurrent(id string) error {
	if r.currentPath == "" {
		return nil
	}
	lock := flock.New(r.currentPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking current-run pointer: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if id == "" {
		if err := os.Remove(r.currentPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing current-run pointer: %w", err)
		}
		return nil
	}
	return util.AtomicWriteFile(r.currentPath, []byte(id+"\n"), 0o644)
}

func (r *RunStore) readCurrent() (string, error) {
	if r.currentPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(r.currentPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading current-run pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func scanRun(scanner interface{ Scan(...any) error }) (*Run, error) {
	var (
		run         Run
		startedMs   int64
		completedMs sql.NullInt64
	)
	if err := scanner.Scan(&run.ID, &startedMs, &completedMs, &run.AgentCount, &run.Status); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(startedMs).UTC()
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}
