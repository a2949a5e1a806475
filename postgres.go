package authsession

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		data BYTEA,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON sessions(expires_at);
	`

type PostgreSQLStore struct {
	db              *sql.DB
	ttl             time.Duration
	maxSessionBytes int
}

// PostgreSQLConfig configures a PostgreSQLStore.
type PostgreSQLConfig struct {
	DSN             string
	TTL             time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxSessionBytes int
}

// NewPostgreSQLStore opens dsn with default pool settings.
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig opens the database, verifies the connection and
// creates the sessions table if needed.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	return NewPostgreSQLStoreFromDB(db, cfg), nil
}

// NewPostgreSQLStoreFromDB wraps an existing connection pool. The sessions
// table must already exist. Only TTL and MaxSessionBytes are read from cfg.
func NewPostgreSQLStoreFromDB(db *sql.DB, cfg PostgreSQLConfig) *PostgreSQLStore {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	return &PostgreSQLStore{
		db:              db,
		ttl:             cfg.TTL,
		maxSessionBytes: cfg.MaxSessionBytes,
	}
}

func (s *PostgreSQLStore) Create(ctx context.Context) (*Session, error) {
	var sess *Session
	_, err := createWithRetry(ctx, func(ctx context.Context, key Key) (bool, error) {
		candidate := newSession(key, s.ttl)

		query, args, err := psq.Insert("sessions").
			Columns("id", "data", "created_at", "expires_at").
			Values(key.String(), nil, candidate.CreatedAt, candidate.ExpiresAt).
			Suffix("ON CONFLICT (id) DO NOTHING").
			ToSql()
		if err != nil {
			return false, fmt.Errorf("building insert query: %w", err)
		}

		res, err := s.db.ExecContext(ctx, query, args...)
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

func (s *PostgreSQLStore) Load(ctx context.Context, key Key) (*Session, error) {
	query, args, err := psq.Select("data", "created_at", "expires_at").
		From("sessions").
		Where(sq.Eq{"id": key.String()}).
		Where(sq.Gt{"expires_at": time.Now()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	var data []byte
	var createdAt, expiresAt time.Time
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&data, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, backendError("failed to query session", err)
	}

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

// Save locks the row, merges the session's pending changes into the stored
// attributes and writes them back in one transaction.
func (s *PostgreSQLStore) Save(ctx context.Context, session *Session) error {
	changes, version := session.pending()
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	query, args, err := psq.Select("data").
		From("sessions").
		Where(sq.Eq{"id": session.Key.String()}).
		Where(sq.Gt{"expires_at": now}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("building select query: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return backendError("failed to lock session", err)
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

	query, args, err = psq.Update("sessions").
		Set("data", blob).
		Set("expires_at", expiresAt).
		Where(sq.Eq{"id": session.Key.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return backendError("failed to save session", err)
	}
	if err := tx.Commit(); err != nil {
		return backendError("failed to commit session", err)
	}

	session.ExpiresAt = expiresAt
	session.commit(version)
	return nil
}

func (s *PostgreSQLStore) Delete(ctx context.Context, key Key) error {
	query, args, err := psq.Delete("sessions").Where(sq.Eq{"id": key.String()}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return backendError("failed to delete session", err)
	}
	return nil
}

func (s *PostgreSQLStore) Cleanup(ctx context.Context) error {
	query, args, err := psq.Delete("sessions").Where(sq.Lt{"expires_at": time.Now()}).ToSql()
	if err != nil {
		return fmt.Errorf("building cleanup query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return backendError("failed to cleanup expired sessions", err)
	}
	return nil
}

func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgreSQLStore)(nil)
