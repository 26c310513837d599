package mail

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/store"
)

// typeCheckList is the CHECK constraint body for msg_type, kept in one
// place so the migration probe and the schema cannot drift apart.
var typeCheckList = func() string {
	quoted := make([]string, len(AllTypes))
	for i, t := range AllTypes {
		quoted[i] = "'" + string(t) + "'"
	}
	return strings.Join(quoted, ", ")
}()

func messagesSchema(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
	msg_type TEXT NOT NULL DEFAULT 'status' CHECK (msg_type IN (%s)),
	thread_id TEXT,
	payload TEXT,
	read INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`, table, typeCheckList)
}

const messageColumns = `id, from_agent, to_agent, subject, body, priority,
	msg_type, thread_id, payload, read, created_at`

// Store is the durable message table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the mail store at path, running the
// schema migration when an older table shape is found.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate brings the messages table to the current shape. This is the only
// place schema evolution runs. Two historical shapes need rebuilding: a
// check constraint missing the protocol types, and a table without the
// payload column. The rebuild copies rows, rewriting any type the new
// constraint would reject to 'status'.
func (s *Store) migrate() error {
	exists, err := store.TableExists(s.db, "messages")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := s.db.Exec(messagesSchema("messages")); err != nil {
			return fmt.Errorf("creating messages schema: %w", err)
		}
		return s.createIndexes()
	}

	ddl, err := store.TableSQL(s.db, "messages")
	if err != nil {
		return err
	}
	hasPayload, err := store.ColumnExists(s.db, "messages", "payload")
	if err != nil {
		return err
	}

	missingType := false
	for _, t := range AllTypes {
		if !strings.Contains(ddl, "'"+string(t)+"'") {
			missingType = true
			break
		}
	}
	if hasPayload && !missingType {
		return s.createIndexes()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning mail migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(messagesSchema("messages_new")); err != nil {
		return fmt.Errorf("creating rebuilt messages table: %w", err)
	}

	payloadExpr := "payload"
	if !hasPayload {
		payloadExpr = "NULL"
	}
	copySQL := fmt.Sprintf(`
		INSERT INTO messages_new (id, from_agent, to_agent, subject, body,
			priority, msg_type, thread_id, payload, read, created_at)
		SELECT id, from_agent, to_agent, subject, body,
			priority,
			CASE WHEN msg_type IN (%s) THEN msg_type ELSE 'status' END,
			thread_id, %s, read, created_at
		FROM messages ORDER BY created_at ASC, rowid ASC`, typeCheckList, payloadExpr)
	if _, err := tx.Exec(copySQL); err != nil {
		return fmt.Errorf("copying messages during migration: %w", err)
	}

	if _, err := tx.Exec(`DROP TABLE messages`); err != nil {
		return fmt.Errorf("dropping old messages table: %w", err)
	}
	if _, err := tx.Exec(`ALTER TABLE messages_new RENAME TO messages`); err != nil {
		return fmt.Errorf("renaming rebuilt messages table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mail migration: %w", err)
	}
	return s.createIndexes()
}

func (s *Store) createIndexes() error {
	idx := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, read, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
	}
	for _, q := range idx {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("creating mail index: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func scanMessage(scanner interface{ Scan(...any) error }) (*Message, error) {
	var (
		m         Message
		threadID  sql.NullString
		payload   sql.NullString
		read      int
		createdMs int64
	)
	err := scanner.Scan(&m.ID, &m.From, &m.To, &m.Subject, &m.Body,
		&m.Priority, &m.Type, &threadID, &payload, &read, &createdMs)
	if err != nil {
		return nil, err
	}
	m.ThreadID = threadID.String
	m.Payload = payload.String
	m.Read = read != 0
	m.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &m, nil
}

// Insert stores a message, generating an id when empty and filling
// createdAt. Defaults: priority normal, type status.
func (s *Store) Insert(m *Message) error {
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.Type == "" {
		m.Type = TypeStatus
	}
	if !m.Priority.Valid() {
		return &oserr.MailError{Op: "insert", Err: fmt.Errorf("invalid priority %q", m.Priority)}
	}
	if !m.Type.Valid() {
		return &oserr.MailError{Op: "insert", Err: fmt.Errorf("invalid message type %q", m.Type)}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = ?`, m.ID).Scan(&exists); err != nil {
		return &oserr.MailError{Op: "insert", Err: err}
	}
	if exists > 0 {
		return &oserr.MailError{Op: "insert", Err: fmt.Errorf("%w: %s", oserr.ErrDuplicateID, m.ID)}
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (id, from_agent, to_agent, subject, body,
			priority, msg_type, thread_id, payload, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.To, m.Subject, m.Body,
		string(m.Priority), string(m.Type), nullable(m.ThreadID), nullable(m.Payload),
		boolInt(m.Read), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return &oserr.MailError{Op: "insert", Err: err}
	}
	return nil
}

// GetUnread returns unread messages for agent, oldest first. Timestamps
// have millisecond resolution, so rowid breaks same-millisecond ties in
// send order.
func (s *Store) GetUnread(agent string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE to_agent = ? AND read = 0
		 ORDER BY created_at ASC, rowid ASC`, agent)
	if err != nil {
		return nil, &oserr.MailError{Op: "getUnread", Err: err}
	}
	return collect(rows)
}

// GetAll returns messages matching opts, newest first.
func (s *Store) GetAll(opts ListOptions) ([]*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	var args []any
	if opts.From != "" {
		q += ` AND from_agent = ?`
		args = append(args, opts.From)
	}
	if opts.To != "" {
		q += ` AND to_agent = ?`
		args = append(args, opts.To)
	}
	if opts.Unread {
		q += ` AND read = 0`
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, &oserr.MailError{Op: "getAll", Err: err}
	}
	return collect(rows)
}

// GetByID returns one message, or nil if absent.
func (s *Store) GetByID(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &oserr.MailError{Op: "getById", Err: err}
	}
	return m, nil
}

// GetByThread returns the thread root plus every reply, oldest first.
func (s *Store) GetByThread(threadID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE id = ? OR thread_id = ?
		 ORDER BY created_at ASC, rowid ASC`, threadID, threadID)
	if err != nil {
		return nil, &oserr.MailError{Op: "getByThread", Err: err}
	}
	return collect(rows)
}

// MarkRead flips the read flag on one message.
func (s *Store) MarkRead(id string) error {
	if _, err := s.db.Exec(`UPDATE messages SET read = 1 WHERE id = ?`, id); err != nil {
		return &oserr.MailError{Op: "markRead", Err: err}
	}
	return nil
}

// Purge deletes messages matching opts and returns the count deleted.
func (s *Store) Purge(opts PurgeOptions) (int64, error) {
	var (
		where string
		args  []any
	)
	switch {
	case opts.All:
		where = "1=1"
	case opts.Agent != "" && opts.OlderThanMs > 0:
		where = `to_agent = ? AND created_at < ?`
		args = []any{opts.Agent, time.Now().UnixMilli() - opts.OlderThanMs}
	case opts.Agent != "":
		where = `to_agent = ?`
		args = []any{opts.Agent}
	case opts.OlderThanMs > 0:
		where = `created_at < ?`
		args = []any{time.Now().UnixMilli() - opts.OlderThanMs}
	default:
		return 0, nil
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE `+where, args...)
	if err != nil {
		return 0, &oserr.MailError{Op: "purge", Err: err}
	}
	return res.RowsAffected()
}

func collect(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, &oserr.MailError{Op: "scan", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
