// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/pending-queue persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meawoppl/claude-code-portal-sub001/internal/auth"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			session_key   TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			working_dir   TEXT NOT NULL DEFAULT '',
			git_branch    TEXT NOT NULL DEFAULT '',
			pr_url        TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'active',
			exit_code     INTEGER,
			replaced_by   TEXT NOT NULL DEFAULT '',
			cost_usd      REAL NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			last_activity DATETIME NOT NULL,
			created_at    DATETIME NOT NULL,

			CHECK (status IN ('active', 'exited', 'replaced'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(session_key);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq        INTEGER,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS pending_inputs (
			session_id TEXT NOT NULL,
			seq_num    INTEGER NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL,

			PRIMARY KEY (session_id, seq_num)
		);

		CREATE TABLE IF NOT EXISTS pending_permission_requests (
			session_id       TEXT PRIMARY KEY,
			request_id       TEXT NOT NULL,
			tool_name        TEXT NOT NULL,
			input_json       TEXT NOT NULL DEFAULT '',
			suggestions_json TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS usage (
			user_id       TEXT PRIMARY KEY,
			cost_usd      REAL NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			updated_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_tokens (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			email       TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			revoked_at  DATETIME
		);

		CREATE TABLE IF NOT EXISTS session_snapshots (
			session_id TEXT PRIMARY KEY,
			snapshot   BLOB NOT NULL,
			created_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// UpsertSession inserts or updates a session row keyed by id.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_key, user_id, name, working_dir, git_branch, pr_url, status, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_key = excluded.session_key,
			name        = excluded.name,
			working_dir = excluded.working_dir,
			git_branch  = excluded.git_branch,
			status      = excluded.status,
			last_activity = excluded.last_activity`,
		sess.ID, sess.SessionKey, sess.UserID, sess.Name, sess.WorkingDir,
		sess.GitBranch, sess.PRURL, sess.Status, sess.LastActivity, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_key, user_id, name, working_dir, git_branch, pr_url,
		       status, exit_code, replaced_by, cost_usd, input_tokens, output_tokens,
		       last_activity, created_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByKey resolves the human-assigned session key to its current
// session, skipping superseded rows. Returns ErrNotFound for an unknown key.
func (s *SQLiteStore) GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_key, user_id, name, working_dir, git_branch, pr_url,
		       status, exit_code, replaced_by, cost_usd, input_tokens, output_tokens,
		       last_activity, created_at
		FROM sessions
		WHERE session_key = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`, sessionKey, SessionStatusReplaced)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var exitCode sql.NullInt64
	err := row.Scan(&sess.ID, &sess.SessionKey, &sess.UserID, &sess.Name,
		&sess.WorkingDir, &sess.GitBranch, &sess.PRURL, &sess.Status,
		&exitCode, &sess.ReplacedBy, &sess.CostUSD, &sess.InputTokens,
		&sess.OutputTokens, &sess.LastActivity, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	return &sess, nil
}

// ListSessions returns sessions for a user, most recently active first.
// An empty userID lists all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_key, user_id, name, working_dir, git_branch, pr_url,
		       status, exit_code, replaced_by, cost_usd, input_tokens, output_tokens,
		       last_activity, created_at
		FROM sessions`
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY last_activity DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var exitCode sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.SessionKey, &sess.UserID, &sess.Name,
			&sess.WorkingDir, &sess.GitBranch, &sess.PRURL, &sess.Status,
			&exitCode, &sess.ReplacedBy, &sess.CostUSD, &sess.InputTokens,
			&sess.OutputTokens, &sess.LastActivity, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			sess.ExitCode = &code
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus sets the status and optional exit code for a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string, exitCode *int) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, exit_code = ? WHERE id = ?`,
		status, code, id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return requireRow(res)
}

// MarkSessionReplaced marks the old session superseded by the new one.
func (s *SQLiteStore) MarkSessionReplaced(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, replaced_by = ? WHERE id = ?`,
		SessionStatusReplaced, newID, oldID)
	if err != nil {
		return fmt.Errorf("marking session replaced: %w", err)
	}
	return requireRow(res)
}

// UpdateSessionMeta updates git metadata for a session.
func (s *SQLiteStore) UpdateSessionMeta(ctx context.Context, id, gitBranch, prURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET git_branch = ?, pr_url = ? WHERE id = ?`,
		gitBranch, prURL, id)
	if err != nil {
		return fmt.Errorf("updating session meta: %w", err)
	}
	return requireRow(res)
}

// TouchSession updates the last_activity timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// AddSessionUsage accumulates cost and token counters onto the session row.
func (s *SQLiteStore) AddSessionUsage(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			cost_usd      = cost_usd + ?,
			input_tokens  = input_tokens + ?,
			output_tokens = output_tokens + ?
		WHERE id = ?`,
		costUSD, inputTokens, outputTokens, id)
	if err != nil {
		return fmt.Errorf("adding session usage: %w", err)
	}
	return nil
}

// SaveMessage persists one agent output row.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var seq sql.NullInt64
	if msg.Seq != nil {
		seq = sql.NullInt64{Int64: int64(*msg.Seq), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, seq, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// ListSessionMessages returns messages for a session after the given seq,
// oldest first. Unsequenced messages are included only when afterSeq is 0.
func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if afterSeq == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, seq, content, created_at FROM messages
			WHERE session_id = ? ORDER BY created_at ASC, seq ASC LIMIT ?`,
			sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, seq, content, created_at FROM messages
			WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			sessionID, afterSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var seq sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &seq, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if seq.Valid {
			v := uint64(seq.Int64)
			msg.Seq = &v
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// CountSessionMessages returns the number of persisted messages for a session.
func (s *SQLiteStore) CountSessionMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// MaxMessageSeq returns the highest persisted output seq for a session,
// zero when no sequenced message exists. Used to reseed the ack high-water
// mark after a broker restart.
func (s *SQLiteStore) MaxMessageSeq(ctx context.Context, sessionID string) (uint64, error) {
	var max uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("finding max message seq: %w", err)
	}
	return max, nil
}

// NextInputSeq allocates the next input sequence number for a session.
func (s *SQLiteStore) NextInputSeq(ctx context.Context, sessionID string) (uint64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq_num) FROM pending_inputs WHERE session_id = ?`, sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("reading max input seq: %w", err)
	}
	if !maxSeq.Valid {
		return 1, nil
	}
	return uint64(maxSeq.Int64) + 1, nil
}

// SavePendingInput persists one input row. The row must exist before the
// input is forwarded; it is the only recovery path after a restart.
func (s *SQLiteStore) SavePendingInput(ctx context.Context, in *PendingInput) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_inputs (session_id, seq_num, content, created_at) VALUES (?, ?, ?, ?)`,
		in.SessionID, in.SeqNum, in.Content, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving pending input: %w", err)
	}
	return nil
}

// ListPendingInputs returns all pending inputs for a session in seq order.
func (s *SQLiteStore) ListPendingInputs(ctx context.Context, sessionID string) ([]*PendingInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq_num, content, created_at FROM pending_inputs
		WHERE session_id = ? ORDER BY seq_num ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing pending inputs: %w", err)
	}
	defer rows.Close()

	var inputs []*PendingInput
	for rows.Next() {
		var in PendingInput
		if err := rows.Scan(&in.SessionID, &in.SeqNum, &in.Content, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending input: %w", err)
		}
		inputs = append(inputs, &in)
	}
	return inputs, rows.Err()
}

// DeletePendingInputsThrough removes pending inputs with seq_num <= seqNum.
func (s *SQLiteStore) DeletePendingInputsThrough(ctx context.Context, sessionID string, seqNum uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_inputs WHERE session_id = ? AND seq_num <= ?`,
		sessionID, seqNum)
	if err != nil {
		return fmt.Errorf("deleting pending inputs: %w", err)
	}
	return nil
}

// UpsertPendingPermission stores the pending permission request for a
// session, replacing any prior one. Last request wins.
func (s *SQLiteStore) UpsertPendingPermission(ctx context.Context, p *PendingPermission) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_permission_requests (session_id, request_id, tool_name, input_json, suggestions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			request_id       = excluded.request_id,
			tool_name        = excluded.tool_name,
			input_json       = excluded.input_json,
			suggestions_json = excluded.suggestions_json,
			created_at       = excluded.created_at`,
		p.SessionID, p.RequestID, p.ToolName, p.Input, p.Suggestions, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting pending permission: %w", err)
	}
	return nil
}

// GetPendingPermission returns the pending request for a session, or
// ErrNotFound if none is outstanding.
func (s *SQLiteStore) GetPendingPermission(ctx context.Context, sessionID string) (*PendingPermission, error) {
	var p PendingPermission
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, request_id, tool_name, input_json, suggestions_json, created_at
		FROM pending_permission_requests WHERE session_id = ?`, sessionID).
		Scan(&p.SessionID, &p.RequestID, &p.ToolName, &p.Input, &p.Suggestions, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting pending permission: %w", err)
	}
	return &p, nil
}

// DeletePendingPermission clears the pending request for a session.
// Deleting a row that doesn't exist is not an error.
func (s *SQLiteStore) DeletePendingPermission(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_permission_requests WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting pending permission: %w", err)
	}
	return nil
}

// AddUserUsage accumulates usage onto the per-user row, creating it if needed.
func (s *SQLiteStore) AddUserUsage(ctx context.Context, userID string, costUSD float64, inputTokens, outputTokens int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (user_id, cost_usd, input_tokens, output_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cost_usd      = usage.cost_usd + excluded.cost_usd,
			input_tokens  = usage.input_tokens + excluded.input_tokens,
			output_tokens = usage.output_tokens + excluded.output_tokens,
			updated_at    = excluded.updated_at`,
		userID, costUSD, inputTokens, outputTokens, now)
	if err != nil {
		return fmt.Errorf("adding user usage: %w", err)
	}
	return nil
}

// GetUserUsage returns the usage accumulator for a user.
func (s *SQLiteStore) GetUserUsage(ctx context.Context, userID string) (*Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, cost_usd, input_tokens, output_tokens, updated_at
		FROM usage WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.CostUSD, &u.InputTokens, &u.OutputTokens, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user usage: %w", err)
	}
	return &u, nil
}

// CreateAPIToken stores a new token record.
func (s *SQLiteStore) CreateAPIToken(ctx context.Context, record *auth.TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (id, user_id, email, secret_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Email, record.SecretHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("creating api token: %w", err)
	}
	return nil
}

// GetAPIToken retrieves a token record by id.
func (s *SQLiteStore) GetAPIToken(ctx context.Context, id string) (*auth.TokenRecord, error) {
	var record auth.TokenRecord
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, secret_hash, revoked_at FROM api_tokens WHERE id = ?`, id).
		Scan(&record.ID, &record.UserID, &record.Email, &record.SecretHash, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting api token: %w", err)
	}
	record.Revoked = revokedAt.Valid
	return &record, nil
}

// RevokeAPIToken marks a token revoked.
func (s *SQLiteStore) RevokeAPIToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoking api token: %w", err)
	}
	return requireRow(res)
}

// SaveSnapshot stores (or replaces) the snapshot blob for a session.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sessionID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, snapshot, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			snapshot   = excluded.snapshot,
			created_at = excluded.created_at`,
		sessionID, snapshot, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// TakeSnapshot returns the snapshot blob for a session and deletes it.
// A snapshot can be consumed exactly once.
func (s *SQLiteStore) TakeSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning snapshot tx: %w", err)
	}
	defer tx.Rollback()

	var blob []byte
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot FROM session_snapshots WHERE session_id = ?`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("deleting snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing snapshot tx: %w", err)
	}
	return blob, nil
}

// ListSnapshotSessionIDs returns the ids of all stored snapshots.
func (s *SQLiteStore) ListSnapshotSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM session_snapshots ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteMessagesOlderThan removes messages created before the cutoff.
func (s *SQLiteStore) DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old messages: %w", err)
	}
	return res.RowsAffected()
}

// TruncateSessionMessages trims a session's message count down to
// maxMessages, deleting oldest-first.
func (s *SQLiteStore) TruncateSessionMessages(ctx context.Context, sessionID string, maxMessages int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE session_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC LIMIT ?
		)`, sessionID, sessionID, maxMessages)
	if err != nil {
		return 0, fmt.Errorf("truncating session messages: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
