package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when the targeted session does not exist
// within the requested project scope.
var ErrSessionNotFound = errors.New("session not found")

// effectiveTimeExpr is the ordering key used for listing and cursoring:
// the last-activity timestamp with a fallback to the creation timestamp.
//
// It must be the single definition of the ordering rule. The same COALESCE
// applies in ORDER BY, in the cursor boundary filter, and (via
// EffectiveTime) when a cursor is produced from a row in memory; if the two
// sides drift, pages silently skip or duplicate rows.
const effectiveTimeExpr = "COALESCE(last_message_at_unix_ms, created_at_unix_ms)"

const (
	// MaxPageSize is the listing ceiling; caller limits are clamped, not rejected.
	MaxPageSize     = 100
	defaultPageSize = 100
)

// Store is a local SQLite-backed persistence layer for chat sessions and
// their messages.
//
// Data is scoped by project_id. WAL is enabled to support concurrent reads
// while writing.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Session struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	LastMessageAtUnixMs *int64 `json:"last_message_at_unix_ms,omitempty"`
	LastMessagePreview  string `json:"last_message_preview,omitempty"`
}

// EffectiveTime is the in-memory counterpart of effectiveTimeExpr.
func (s Session) EffectiveTime() int64 {
	if s.LastMessageAtUnixMs != nil {
		return *s.LastMessageAtUnixMs
	}
	return s.CreatedAtUnixMs
}

type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`

	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Status    string `json:"status"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`

	TextContent string `json:"text_content"`
	MessageJSON string `json:"message_json"`
}

// NewSessionID generates a client-owned session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ListSessions returns one page of sessions scoped to projectID, most
// recently active first.
//
// The query asks for limit+1 rows; when they all come back, the limit-th
// row's effective time becomes the next cursor and the extra row is
// dropped. Rows sharing an effective time are ordered by session_id
// ascending so page contents are deterministic, but the cursor carries a
// single timestamp and the boundary filter is a strict "<": rows tied with
// a page boundary are skipped on the next page, never duplicated.
func (s *Store) ListSessions(ctx context.Context, projectID string, limit int, cursor string) ([]Session, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, "", errors.New("missing project_id")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	before, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	args := []any{projectID}
	where := ""
	if before > 0 {
		where = "AND " + effectiveTimeExpr + " < ?"
		args = append(args, before)
	}
	args = append(args, limit+1)

	q := fmt.Sprintf(`
SELECT session_id, project_id, title,
       created_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM sessions
WHERE project_id = ?
%s
ORDER BY %s DESC, session_id ASC
LIMIT ?
`, where, effectiveTimeExpr)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(out) <= limit {
		return out, "", nil
	}
	out = out[:limit]
	next := EncodeCursor(out[limit-1].EffectiveTime())
	return out, next, nil
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (Session, error) {
	var sess Session
	var lastMsg sql.NullInt64
	if err := row.Scan(
		&sess.SessionID,
		&sess.ProjectID,
		&sess.Title,
		&sess.CreatedAtUnixMs,
		&lastMsg,
		&sess.LastMessagePreview,
	); err != nil {
		return Session{}, err
	}
	if lastMsg.Valid {
		v := lastMsg.Int64
		sess.LastMessageAtUnixMs = &v
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, projectID string, sessionID string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	sessionID = strings.TrimSpace(sessionID)
	if projectID == "" || sessionID == "" {
		return nil, errors.New("invalid request")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT session_id, project_id, title,
       created_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM sessions
WHERE project_id = ? AND session_id = ?
`, projectID, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sess.SessionID = strings.TrimSpace(sess.SessionID)
	sess.ProjectID = strings.TrimSpace(sess.ProjectID)
	sess.Title = strings.TrimSpace(sess.Title)
	if sess.SessionID == "" || sess.ProjectID == "" {
		return errors.New("invalid session")
	}

	if sess.CreatedAtUnixMs <= 0 {
		sess.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	var lastMsg any
	if sess.LastMessageAtUnixMs != nil {
		if *sess.LastMessageAtUnixMs < sess.CreatedAtUnixMs {
			return errors.New("last_message_at before created_at")
		}
		lastMsg = *sess.LastMessageAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, project_id, title,
  created_at_unix_ms, last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?)
`,
		sess.SessionID,
		sess.ProjectID,
		sess.Title,
		sess.CreatedAtUnixMs,
		lastMsg,
		strings.TrimSpace(sess.LastMessagePreview),
	)
	return err
}

func (s *Store) RenameSession(ctx context.Context, projectID string, sessionID string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	sessionID = strings.TrimSpace(sessionID)
	title = strings.TrimSpace(title)
	if projectID == "" || sessionID == "" {
		return errors.New("invalid request")
	}
	if len(title) > 200 {
		return errors.New("title too long")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET title = ?
WHERE project_id = ? AND session_id = ?
`, title, projectID, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, projectID string, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	sessionID = strings.TrimSpace(sessionID)
	if projectID == "" || sessionID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE project_id = ? AND session_id = ?`, projectID, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE project_id = ? AND session_id = ?`, projectID, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

// AppendMessage inserts a message and updates session recency metadata in
// the same transaction. last_message_at_unix_ms only ever moves forward.
//
// If the session has no title yet and this is a user message, the first
// line of the text becomes the title.
func (s *Store) AppendMessage(ctx context.Context, projectID string, sessionID string, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	sessionID = strings.TrimSpace(sessionID)
	if projectID == "" || sessionID == "" {
		return 0, errors.New("invalid request")
	}

	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.TrimSpace(m.Role)
	m.Status = strings.TrimSpace(m.Status)
	m.TextContent = strings.TrimSpace(m.TextContent)
	m.MessageJSON = strings.TrimSpace(m.MessageJSON)
	if m.MessageID == "" || m.Role == "" || m.MessageJSON == "" {
		return 0, errors.New("invalid message")
	}
	if m.Status == "" {
		m.Status = "complete"
	}
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	preview := buildPreview(m.Role, m.TextContent)
	titleCandidate := ""
	if m.Role == "user" {
		titleCandidate = buildTitleCandidate(m.TextContent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the session exists and belongs to the project.
	var existingTitle string
	var createdAt int64
	if err := tx.QueryRowContext(ctx, `
SELECT title, created_at_unix_ms
FROM sessions
WHERE project_id = ? AND session_id = ?
`, projectID, sessionID).Scan(&existingTitle, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, err
	}
	if m.CreatedAtUnixMs < createdAt {
		m.CreatedAtUnixMs = createdAt
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  session_id, project_id, message_id, role, status,
  created_at_unix_ms, text_content, message_json
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`,
		sessionID,
		projectID,
		m.MessageID,
		m.Role,
		m.Status,
		m.CreatedAtUnixMs,
		m.TextContent,
		m.MessageJSON,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET title = ?,
    last_message_at_unix_ms = MAX(COALESCE(last_message_at_unix_ms, 0), ?),
    last_message_preview = ?
WHERE project_id = ? AND session_id = ?
`,
		nextTitle,
		m.CreatedAtUnixMs,
		preview,
		projectID,
		sessionID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// ListMessages returns messages in ascending order by internal row id.
//
// If beforeID <= 0, it returns the latest messages. Otherwise, it returns
// messages with id < beforeID. The returned nextBeforeID is the smallest
// id in the result (for loading older history).
func (s *Store) ListMessages(ctx context.Context, projectID string, sessionID string, limit int, beforeID int64) ([]Message, int64, bool, error) {
	if s == nil || s.db == nil {
		return nil, 0, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	sessionID = strings.TrimSpace(sessionID)
	if projectID == "" || sessionID == "" {
		return nil, 0, false, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if beforeID <= 0 {
		beforeID = 1<<62 - 1
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, project_id, message_id, role, status,
       created_at_unix_ms, text_content, message_json
FROM messages
WHERE project_id = ? AND session_id = ? AND id < ?
ORDER BY id DESC
LIMIT ?
`, projectID, sessionID, beforeID, limit)
	if err != nil {
		return nil, 0, false, err
	}
	defer rows.Close()

	tmp := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.SessionID,
			&m.ProjectID,
			&m.MessageID,
			&m.Role,
			&m.Status,
			&m.CreatedAtUnixMs,
			&m.TextContent,
			&m.MessageJSON,
		); err != nil {
			return nil, 0, false, err
		}
		tmp = append(tmp, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}
	if len(tmp) == 0 {
		return nil, 0, false, nil
	}

	// Reverse to ASC order.
	out := make([]Message, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	nextBeforeID := out[0].ID

	var more int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages
WHERE project_id = ? AND session_id = ? AND id < ?
`, projectID, sessionID, nextBeforeID).Scan(&more); err != nil {
		// Best-effort: if this fails, just say no more.
		more = 0
	}

	return out, nextBeforeID, more > 0, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_project_effective
  ON sessions(project_id, COALESCE(last_message_at_unix_ms, created_at_unix_ms) DESC, session_id ASC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  project_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'complete',
  created_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  UNIQUE(session_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(project_id, session_id, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildPreview(role string, text string) string {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if text == "" {
		if role == "user" {
			return "(no text)"
		}
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 160)
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
