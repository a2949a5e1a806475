package authsession

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestPostgreSQLDSN returns the DSN of a live test database, if configured.
func getTestPostgreSQLDSN() string {
	return os.Getenv("POSTGRES_TEST_DSN")
}

func TestPostgreSQLStore(t *testing.T) {
	dsn := getTestPostgreSQLDSN()
	if dsn == "" {
		t.Skip("Skipping PostgreSQL test: POSTGRES_TEST_DSN not set")
	}

	store, err := NewPostgreSQLStore(dsn)
	if err != nil {
		t.Skipf("Skipping PostgreSQL test: %v (is PostgreSQL running?)", err)
	}
	defer store.Close()

	testStoreContract(t, store)
}

func newMockPostgreSQLStore(t *testing.T, cfg PostgreSQLConfig) (*PostgreSQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgreSQLStoreFromDB(db, cfg), mock
}

func TestPostgreSQLStoreCreate(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{TTL: time.Hour})

	taken, fresh := mustKey(t), mustKey(t)
	stubKeys(t, taken, fresh)

	mock.ExpectExec(`INSERT INTO sessions \(id,data,created_at,expires_at\) VALUES \(\$1,\$2,\$3,\$4\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(taken.String(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(fresh.String(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s, err := store.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, s.Key)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, time.Minute)
}

func TestPostgreSQLStoreCreateBackendError(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})

	mock.ExpectExec(`INSERT INTO sessions`).WillReturnError(errors.New("connection refused"))

	_, err := store.Create(context.Background())
	assert.ErrorIs(t, err, ErrBackend)
}

func TestPostgreSQLStoreLoad(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})
	key := mustKey(t)

	var buf bytes.Buffer
	require.NoError(t, encodeValues(&buf, map[string]any{"name": "x"}, 0))

	created := time.Now().Add(-time.Minute)
	expires := time.Now().Add(time.Hour)
	mock.ExpectQuery(`SELECT data, created_at, expires_at FROM sessions WHERE id = \$1 AND expires_at > \$2`).
		WithArgs(key.String(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"data", "created_at", "expires_at"}).
			AddRow(buf.Bytes(), created, expires))

	s, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, key, s.Key)
	assert.Equal(t, created, s.CreatedAt)
	v, ok := s.Get("name")
	require.True(t, ok)
	assert.Equal(t, "x", v)
	assert.False(t, s.Modified())
}

func TestPostgreSQLStoreLoadNotFound(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})

	mock.ExpectQuery(`SELECT (.+) FROM sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"data", "created_at", "expires_at"}))

	_, err := store.Load(context.Background(), mustKey(t))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrBackend)
}

func TestPostgreSQLStoreLoadBackendError(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})

	mock.ExpectQuery(`SELECT (.+) FROM sessions`).WillReturnError(errors.New("connection reset"))

	_, err := store.Load(context.Background(), mustKey(t))
	assert.ErrorIs(t, err, ErrBackend)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgreSQLStoreLoadTooLarge(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{MaxSessionBytes: 16})

	mock.ExpectQuery(`SELECT (.+) FROM sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"data", "created_at", "expires_at"}).
			AddRow(bytes.Repeat([]byte{1}, 64), time.Now(), time.Now().Add(time.Hour)))

	_, err := store.Load(context.Background(), mustKey(t))
	assert.ErrorIs(t, err, ErrSessionTooLarge)
}

func TestPostgreSQLStoreSave(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{TTL: time.Hour})
	s := newSession(mustKey(t), time.Minute)
	s.Set("name", "x")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data FROM sessions WHERE id = \$1 AND expires_at > \$2 FOR UPDATE`).
		WithArgs(s.Key.String(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(nil))
	mock.ExpectExec(`UPDATE sessions SET data = \$1, expires_at = \$2 WHERE id = \$3`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), s.Key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), s))
	assert.False(t, s.Modified())
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, time.Minute)
}

// The stored row is the base of the write: keys this session never touched
// survive, keys it unset are dropped.
func TestPostgreSQLStoreSaveMergesStoredValues(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})
	s := newSession(mustKey(t), time.Minute)
	s.Set("mine", 1)
	s.Unset("mine")
	s.Set("theirs", "overwritten")
	s.Unset("gone")
	s.Set("gone", true)
	s.Unset("gone")

	var stored bytes.Buffer
	require.NoError(t, encodeValues(&stored, map[string]any{"other": "kept", "gone": 1}, 0))

	var written []byte
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data FROM sessions (.+) FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(stored.Bytes()))
	mock.ExpectExec(`UPDATE sessions`).
		WithArgs(capturedBytes(&written), sqlmock.AnyArg(), s.Key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), s))

	values, err := decodeValues(written, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"other": "kept", "theirs": "overwritten"}, values)
}

func TestPostgreSQLStoreSaveMissing(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})
	s := newSession(mustKey(t), time.Minute)
	s.Set("name", "x")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data FROM sessions`).WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectRollback()

	assert.ErrorIs(t, store.Save(context.Background(), s), ErrNotFound)
	assert.True(t, s.Modified())
}

func TestPostgreSQLStoreSaveTooLarge(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{MaxSessionBytes: 64})
	s := newSession(mustKey(t), time.Minute)
	s.Set("data", string(bytes.Repeat([]byte{'A'}, 1024)))

	// The row is read and locked, but never updated.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data FROM sessions`).WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(nil))
	mock.ExpectRollback()

	assert.ErrorIs(t, store.Save(context.Background(), s), ErrSessionTooLarge)
	assert.True(t, s.Modified())
}

func TestPostgreSQLStoreSaveCommitError(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})
	s := newSession(mustKey(t), time.Minute)
	s.Set("name", "x")
	before := s.ExpiresAt

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT data FROM sessions`).WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(nil))
	mock.ExpectExec(`UPDATE sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	assert.ErrorIs(t, store.Save(context.Background(), s), ErrBackend)
	assert.True(t, s.Modified())
	assert.Equal(t, before, s.ExpiresAt)
}

// byteCapture is an sqlmock argument matcher that records the []byte it is handed.
type byteCapture struct{ dst *[]byte }

func capturedBytes(dst *[]byte) byteCapture { return byteCapture{dst: dst} }

func (c byteCapture) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	*c.dst = bytes.Clone(b)
	return true
}

func TestPostgreSQLStoreDeleteAndCleanup(t *testing.T) {
	store, mock := newMockPostgreSQLStore(t, PostgreSQLConfig{})
	key := mustKey(t)

	mock.ExpectExec(`DELETE FROM sessions WHERE id = \$1`).
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions WHERE expires_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM sessions`).WillReturnError(errors.New("disk full"))

	require.NoError(t, store.Delete(context.Background(), key))
	require.NoError(t, store.Cleanup(context.Background()))
	assert.ErrorIs(t, store.Cleanup(context.Background()), ErrBackend)
}
