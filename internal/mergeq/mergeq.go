// Package mergeq is the durable FIFO queue feeding the merge pipeline.
//
// Workers enqueue their branch when done; the merge coordinator drains the
// queue strictly oldest-first so that merge order matches completion order.
// One branch holds at most one live (pending or merging) entry at a time;
// terminal entries stay behind as history.
package mergeq

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/store"
)

// Status of a queue entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusMerging  Status = "merging"
	StatusMerged   Status = "merged"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusMerging, StatusMerged, StatusConflict, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusConflict || s == StatusFailed
}

// Entry is one branch waiting for (or finished with) a merge.
type Entry struct {
	ID         string     `json:"id"`
	Branch     string     `json:"branch"`
	AgentName  string     `json:"agentName"`
	BeadID     string     `json:"beadId"`
	Status     Status     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	MergedAt   *time.Time `json:"mergedAt,omitempty"`

	// Tier records which resolution tier settled the entry: 0 clean,
	// 1 auto, 2 assisted, 3 reimagine. Meaningful only on merged entries.
	Tier int `json:"tier,omitempty"`

	// Error carries the failure detail on conflict or failed entries.
	Error string `json:"error,omitempty"`

	// FilesModified lists the paths the branch touched, recorded at
	// enqueue time. The reimagine tier regenerates exactly these files.
	FilesModified []string `json:"filesModified,omitempty"`
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS merge_queue (
	id TEXT PRIMARY KEY,
	branch TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	bead_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'merging', 'merged', 'conflict', 'failed')),
	enqueued_at INTEGER NOT NULL,
	merged_at INTEGER,
	tier INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	files_modified TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_merge_queue_status ON merge_queue(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_merge_queue_branch ON merge_queue(branch);
`

const entryColumns = `id, branch, agent_name, bead_id, status, enqueued_at, merged_at, tier, error, files_modified`

// Queue is the durable merge queue.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if necessary) the merge queue at path.
func Open(path string) (*Queue, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating merge queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue adds branch to the queue. A branch with a live entry cannot be
// enqueued again until that entry reaches a terminal state; re-enqueueing
// after a conflict or failure is allowed and starts a fresh entry.
func (q *Queue) Enqueue(branch, agentName, beadID string, filesModified []string) (*Entry, error) {
	if branch == "" {
		return nil, &oserr.ValidationError{Field: "branch", Msg: "must not be empty"}
	}

	var live int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM merge_queue WHERE branch = ? AND status IN ('pending', 'merging')`,
		branch).Scan(&live)
	if err != nil {
		return nil, &oserr.MergeError{Branch: branch, Op: "enqueue", Err: err}
	}
	if live > 0 {
		return nil, &oserr.MergeError{Branch: branch, Op: "enqueue",
			Err: fmt.Errorf("already queued")}
	}

	e := &Entry{
		ID:            "mq-" + uuid.NewString()[:8],
		Branch:        branch,
		AgentName:     agentName,
		BeadID:        beadID,
		Status:        StatusPending,
		EnqueuedAt:    time.Now().UTC(),
		FilesModified: filesModified,
	}
	files, err := json.Marshal(e.FilesModified)
	if err != nil {
		return nil, &oserr.MergeError{Branch: branch, Op: "enqueue", Err: err}
	}
	_, err = q.db.Exec(
		`INSERT INTO merge_queue (id, branch, agent_name, bead_id, status, enqueued_at, files_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Branch, e.AgentName, e.BeadID, string(e.Status), e.EnqueuedAt.UnixMilli(), string(files))
	if err != nil {
		return nil, &oserr.MergeError{Branch: branch, Op: "enqueue", Err: err}
	}
	return e, nil
}

// Peek returns the oldest pending entry without claiming it, or nil when
// the queue has no pending work. Timestamps have millisecond resolution,
// so rowid breaks same-millisecond ties in insertion order.
func (q *Queue) Peek() (*Entry, error) {
	row := q.db.QueryRow(
		`SELECT ` + entryColumns + ` FROM merge_queue
		 WHERE status = 'pending' ORDER BY enqueued_at ASC, rowid ASC LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peeking merge queue: %w", err)
	}
	return e, nil
}

// Claim moves the oldest pending entry to merging and returns it, or nil
// when nothing is pending. The conditional update makes the claim safe
// against a concurrent drainer.
func (q *Queue) Claim() (*Entry, error) {
	for {
		e, err := q.Peek()
		if err != nil || e == nil {
			return nil, err
		}
		res, err := q.db.Exec(
			`UPDATE merge_queue SET status = 'merging' WHERE id = ? AND status = 'pending'`, e.ID)
		if err != nil {
			return nil, &oserr.MergeError{Branch: e.Branch, Op: "claim", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 1 {
			e.Status = StatusMerging
			return e, nil
		}
		// Lost the race; the next pending entry is someone else's head.
	}
}

// Resolve moves entry id to a terminal status, recording the resolution
// tier and, for failures, the error detail.
func (q *Queue) Resolve(id string, status Status, tier int, errMsg string) error {
	if !status.Terminal() {
		return &oserr.ValidationError{Field: "status", Value: string(status), Msg: "not a terminal status"}
	}
	res, err := q.db.Exec(
		`UPDATE merge_queue SET status = ?, merged_at = ?, tier = ?, error = ?
		 WHERE id = ? AND status IN ('pending', 'merging')`,
		string(status), time.Now().UnixMilli(), tier, errMsg, id)
	if err != nil {
		return &oserr.MergeError{Op: "resolve", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &oserr.MergeError{Op: "resolve", Err: fmt.Errorf("no live entry %s", id)}
	}
	return nil
}

// UpdateStatus resolves the live entry for branch. Convenience over Resolve
// for callers that track branches rather than entry ids.
func (q *Queue) UpdateStatus(branch string, status Status, tier int, errMsg string) error {
	row := q.db.QueryRow(
		`SELECT id FROM merge_queue WHERE branch = ? AND status IN ('pending', 'merging')`, branch)
	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return &oserr.MergeError{Branch: branch, Op: "updateStatus", Err: fmt.Errorf("no live entry")}
	} else if err != nil {
		return &oserr.MergeError{Branch: branch, Op: "updateStatus", Err: err}
	}
	return q.Resolve(id, status, tier, errMsg)
}

// Release puts a merging entry back to pending, for a drainer that claimed
// an entry and then could not proceed.
func (q *Queue) Release(id string) error {
	_, err := q.db.Exec(
		`UPDATE merge_queue SET status = 'pending' WHERE id = ? AND status = 'merging'`, id)
	if err != nil {
		return &oserr.MergeError{Op: "release", Err: err}
	}
	return nil
}

// List returns entries, newest first. A zero-value status lists everything.
func (q *Queue) List(status Status) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM merge_queue`
	var args []any
	if status != "" {
		if !status.Valid() {
			return nil, &oserr.ValidationError{Field: "status", Value: string(status), Msg: "unknown status"}
		}
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY enqueued_at DESC, rowid DESC`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing merge queue: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning merge entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Pending returns the number of live entries ahead of new work.
func (q *Queue) Pending() (int, error) {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM merge_queue WHERE status IN ('pending', 'merging')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending merges: %w", err)
	}
	return n, nil
}

func scanEntry(scanner interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e          Entry
		enqueuedMs int64
		mergedMs   sql.NullInt64
		files      string
	)
	err := scanner.Scan(&e.ID, &e.Branch, &e.AgentName, &e.BeadID, &e.Status,
		&enqueuedMs, &mergedMs, &e.Tier, &e.Error, &files)
	if err != nil {
		return nil, err
	}
	if files != "" && files != "[]" {
		if err := json.Unmarshal([]byte(files), &e.FilesModified); err != nil {
			return nil, fmt.Errorf("parsing files_modified: %w", err)
		}
	}
	e.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
	if mergedMs.Valid {
		t := time.UnixMilli(mergedMs.Int64).UTC()
		e.MergedAt = &t
	}
	return &e, nil
}
