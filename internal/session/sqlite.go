package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// SQLite is a relational Store. Mapping rows keep their entity type, and
// expired sessions are filtered on read and removed by Cleanup.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("session: open db: %w", err)
	}
	// A single connection serializes writers; concurrent read-then-write
	// transactions would otherwise fail with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pii_sessions (
		session_id TEXT PRIMARY KEY,
		user_id    TEXT,
		metadata   TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON pii_sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON pii_sessions(expires_at);

	CREATE TABLE IF NOT EXISTS pii_mappings (
		session_id     TEXT NOT NULL REFERENCES pii_sessions(session_id) ON DELETE CASCADE,
		placeholder    TEXT NOT NULL,
		original_value TEXT NOT NULL,
		entity_type    TEXT,
		PRIMARY KEY (session_id, placeholder)
	);
	CREATE INDEX IF NOT EXISTS idx_mappings_session_id ON pii_mappings(session_id);
	`)
	return err
}

func (s *SQLite) CreateSession(ctx context.Context, p CreateParams) (string, error) {
	info := newInfo(p, s.now())
	var meta []byte
	if len(info.Metadata) > 0 {
		b, err := json.Marshal(info.Metadata)
		if err != nil {
			return "", fmt.Errorf("session: encode metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pii_sessions (session_id, user_id, metadata, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		info.ID, nullString(info.UserID), nullString(string(meta)), info.CreatedAt.UnixMilli(), info.ExpiresAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("session: sqlite create: %w", err)
	}
	return info.ID, nil
}

func (s *SQLite) StoreMapping(ctx context.Context, id string, m *sanitize.Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkLive(ctx, tx, id); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pii_mappings (session_id, placeholder, original_value, entity_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, placeholder) DO UPDATE SET
			original_value = excluded.original_value,
			entity_type    = excluded.entity_type`)
	if err != nil {
		return fmt.Errorf("session: sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range m.Entries() {
		if _, err := stmt.ExecContext(ctx, id, r.Placeholder, r.Original, nullString(r.EntityType)); err != nil {
			return fmt.Errorf("session: sqlite store: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: sqlite commit: %w", err)
	}
	return nil
}

func (s *SQLite) GetMapping(ctx context.Context, id string) (*sanitize.Mapping, error) {
	if err := s.checkLive(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT placeholder, original_value, entity_type FROM pii_mappings WHERE session_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("session: sqlite get: %w", err)
	}
	defer rows.Close()

	m := &sanitize.Mapping{}
	for rows.Next() {
		var (
			r          sanitize.Redaction
			entityType sql.NullString
		)
		if err := rows.Scan(&r.Placeholder, &r.Original, &entityType); err != nil {
			return nil, fmt.Errorf("session: sqlite scan: %w", err)
		}
		r.EntityType = entityType.String
		m.Set(r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: sqlite rows: %w", err)
	}
	return m, nil
}

func (s *SQLite) DeleteMapping(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkLive(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pii_mappings WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("session: sqlite delete mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pii_sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("session: sqlite delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: sqlite commit: %w", err)
	}
	return nil
}

// Cleanup removes expired sessions and their mappings and returns how many
// sessions were removed.
func (s *SQLite) Cleanup(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("session: sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pii_mappings WHERE session_id IN (SELECT session_id FROM pii_sessions WHERE expires_at <= ?)`, now); err != nil {
		return 0, fmt.Errorf("session: sqlite cleanup mappings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pii_sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("session: sqlite cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("session: sqlite commit: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) checkLive(ctx context.Context, q queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM pii_sessions WHERE session_id = ? AND expires_at > ?`, id, s.now().UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: sqlite lookup: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
