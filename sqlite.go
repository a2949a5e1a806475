package authsession

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db              *sql.DB
	mu              sync.Mutex // Serializes writes to avoid SQLITE_BUSY
	createStmt      *sql.Stmt
	saveStmt        *sql.Stmt
	getStmt         *sql.Stmt
	currentStmt     *sql.Stmt
	deleteStmt      *sql.Stmt
	cleanupStmt     *sql.Stmt
	ttl             time.Duration
	maxSessionBytes int
}

// SQLiteConfig configures a SQLiteStore. A zero TTL means 24 hours.
type SQLiteConfig struct {
	DSN             string
	TTL             time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxSessionBytes int
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}

	// PRAGMAs go into the DSN so they apply to every connection in the pool.
	// synchronous=NORMAL is safe in WAL mode and faster.
	if !strings.Contains(cfg.DSN, "synchronous") {
		cfg.DSN = appendPragma(cfg.DSN, "synchronous=NORMAL")
	}
	if !strings.Contains(cfg.DSN, "busy_timeout") {
		cfg.DSN = appendPragma(cfg.DSN, "busy_timeout=5000")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// WAL is persistent for the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BLOB,
		created_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON sessions(expires_at);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	store := &SQLiteStore{
		db:              db,
		ttl:             cfg.TTL,
		maxSessionBytes: cfg.MaxSessionBytes,
	}

	statements := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&store.createStmt, "create", `
			INSERT INTO sessions (id, data, created_at, expires_at)
			VALUES (?, NULL, ?, ?)
			ON CONFLICT(id) DO NOTHING`},
		{&store.saveStmt, "save", "UPDATE sessions SET data = ?, expires_at = ? WHERE id = ?"},
		{&store.getStmt, "get", "SELECT data, created_at, expires_at FROM sessions WHERE id = ? AND expires_at > ?"},
		{&store.currentStmt, "current", "SELECT data FROM sessions WHERE id = ? AND expires_at > ?"},
		{&store.deleteStmt, "delete", "DELETE FROM sessions WHERE id = ?"},
		{&store.cleanupStmt, "cleanup", "DELETE FROM sessions WHERE expires_at < ?"},
	}
	for _, st := range statements {
		*st.dst, err = db.Prepare(st.query)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to prepare %s statement: %w", st.name, err)
		}
	}

	return store, nil
}

func appendPragma(dsn, pragma string) string {
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s", dsn, separator, pragma)
}

func (s *SQLiteStore) Create(ctx context.Context) (*Session, error) {
	var sess *Session
	_, err := createWithRetry(ctx, func(ctx context.Context, key Key) (bool, error) {
		candidate := newSession(key, s.ttl)

		s.mu.Lock()
		defer s.mu.Unlock()
		res, err := s.createStmt.ExecContext(ctx, key.String(), candidate.CreatedAt, candidate.ExpiresAt)
		if err != nil {
			return false, backendError("failed to insert session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, backendError("failed to insert session", err)
		}
		if n == 0 {
			return false, nil
		}
		sess = candidate
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key Key) (*Session, error) {
	var data sql.RawBytes
	var createdAt, expiresAt time.Time

	rows, err := s.getStmt.QueryContext(ctx, key.String(), time.Now())
	if err != nil {
		return nil, backendError("failed to query session", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, backendError("failed to iterate rows", err)
		}
		return nil, ErrNotFound
	}

	if err := rows.Scan(&data, &createdAt, &expiresAt); err != nil {
		return nil, backendError("failed to scan session", err)
	}

	// data is valid only until the next Scan/Close; decodeValues consumes it immediately.
	values, err := decodeValues(data, s.maxSessionBytes)
	if err != nil {
		return nil, backendError("failed to load session", err)
	}

	return &Session{
		Key:       key,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Data:      newDataFrom(values),
	}, nil
}

// Save reads the stored attributes, merges the session's pending changes into
// them and writes the result back in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, session *Session) error {
	changes, version := session.pending()
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.StmtContext(ctx, s.currentStmt).QueryRowContext(ctx, session.Key.String(), now).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return backendError("failed to read session", err)
	}

	values, err := decodeValues(data, s.maxSessionBytes)
	if err != nil {
		return backendError("failed to load session", err)
	}
	applyChanges(values, changes)

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	if err := encodeValues(buf, values, s.maxSessionBytes); err != nil {
		return err
	}

	// Empty sessions are stored as NULL.
	var blob []byte
	if buf.Len() > 0 {
		blob = buf.Bytes()
	}

	if _, err := tx.StmtContext(ctx, s.saveStmt).ExecContext(ctx, blob, expiresAt, session.Key.String()); err != nil {
		return backendError("failed to save session", err)
	}
	if err := tx.Commit(); err != nil {
		return backendError("failed to commit session", err)
	}

	session.ExpiresAt = expiresAt
	session.commit(version)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.deleteStmt.ExecContext(ctx, key.String()); err != nil {
		return backendError("failed to delete session", err)
	}
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.cleanupStmt.ExecContext(ctx, time.Now()); err != nil {
		return backendError("failed to cleanup expired sessions", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.createStmt, s.saveStmt, s.getStmt, s.currentStmt, s.deleteStmt, s.cleanupStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
