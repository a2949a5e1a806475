package authsession

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the Store interface using Redis. Expiry is delegated
// to Redis key TTLs.
type RedisStore struct {
	client          redis.UniversalClient
	prefix          string
	ttl             time.Duration
	maxSessionBytes int
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	// Prefix namespaces session keys. Defaults to "session:".
	Prefix          string
	TTL             time.Duration
	MaxSessionBytes int
}

// NewRedisStore creates a Redis store on top of an existing client. The store
// takes ownership of the client and closes it in Close.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "session:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	return &RedisStore{
		client:          client,
		prefix:          cfg.Prefix,
		ttl:             cfg.TTL,
		maxSessionBytes: cfg.MaxSessionBytes,
	}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + k.String()
}

// Create stores a new session with SET NX, so an existing key is never overwritten.
func (s *RedisStore) Create(ctx context.Context) (*Session, error) {
	var sess *Session
	_, err := createWithRetry(ctx, func(ctx context.Context, key Key) (bool, error) {
		candidate := newSession(key, s.ttl)
		value, err := s.encode(candidate)
		if err != nil {
			return false, err
		}
		ok, err := s.client.SetNX(ctx, s.key(key), value, s.ttl).Result()
		if err != nil {
			return false, backendError("failed to create session in redis", err)
		}
		if !ok {
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

// Load retrieves a session from Redis.
func (s *RedisStore) Load(ctx context.Context, key Key) (*Session, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, backendError("failed to get from redis", err)
	}

	sess, err := decodeEnvelope(key, raw, s.maxSessionBytes)
	if err != nil {
		return nil, backendError("failed to load session", err)
	}
	if sess.Expired() {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Save merges the session's pending changes into the stored copy under WATCH
// and writes it back in a MULTI block, retrying when another writer got there
// first.
func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	changes, version := session.pending()
	name := s.key(session.Key)
	var expiresAt time.Time

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, name).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return backendError("failed to get from redis", err)
		}

		stored, err := decodeEnvelope(session.Key, raw, s.maxSessionBytes)
		if err != nil {
			return backendError("failed to load session", err)
		}
		stored.apply(changes)
		stored.ExpiresAt = time.Now().Add(s.ttl)

		value, err := s.encode(stored)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, name, value, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		expiresAt = stored.ExpiresAt
		return nil
	}

	for range maxSaveAttempts {
		err := s.client.Watch(ctx, txf, name)
		switch {
		case err == nil:
			session.ExpiresAt = expiresAt
			session.commit(version)
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionTooLarge), errors.Is(err, ErrBackend):
			return err
		default:
			return backendError("failed to save to redis", err)
		}
	}
	return backendError("failed to save to redis", redis.TxFailedErr)
}

func (s *RedisStore) encode(session *Session) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	if err := encodeEnvelope(buf, session, s.maxSessionBytes); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Delete removes a session from Redis.
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return backendError("failed to delete from redis", err)
	}
	return nil
}

// Cleanup is a no-op for Redis as keys carry their own TTL.
func (s *RedisStore) Cleanup(_ context.Context) error {
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
