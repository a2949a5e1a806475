package authsession

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedStore keeps sessions in Memcached. Expiry is delegated to item expiration.
type MemcachedStore struct {
	client          *memcache.Client
	ttl             time.Duration
	maxSessionBytes int
}

// MemcachedConfig configures a MemcachedStore.
type MemcachedConfig struct {
	Servers         []string
	TTL             time.Duration
	MaxSessionBytes int
	Timeout         time.Duration // Per-operation timeout. Zero uses the gomemcache default.
}

// NewMemcachedStore creates a store over servers with a 1s operation timeout.
func NewMemcachedStore(ttl time.Duration, servers ...string) *MemcachedStore {
	return NewMemcachedStoreWithConfig(MemcachedConfig{
		Servers: servers,
		TTL:     ttl,
		// Security: a default timeout keeps requests from hanging when Memcached is down.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedStoreWithConfig creates a store from cfg.
func NewMemcachedStoreWithConfig(cfg MemcachedConfig) *MemcachedStore {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	return &MemcachedStore{
		client:          client,
		ttl:             cfg.TTL,
		maxSessionBytes: cfg.MaxSessionBytes,
	}
}

// Create adds a new session. Memcached's add command fails when the key
// exists, which is how collisions are detected.
func (s *MemcachedStore) Create(ctx context.Context) (*Session, error) {
	var sess *Session
	_, err := createWithRetry(ctx, func(_ context.Context, key Key) (bool, error) {
		candidate := newSession(key, s.ttl)
		item, err := s.item(candidate, time.Now())
		if err != nil {
			return false, err
		}
		err = s.client.Add(item)
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		if err != nil {
			return false, backendError("failed to add to memcached", err)
		}
		sess = candidate
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Load retrieves a session from Memcached.
func (s *MemcachedStore) Load(_ context.Context, key Key) (*Session, error) {
	item, err := s.client.Get(key.String())
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, backendError("failed to get from memcached", err)
	}

	sess, err := decodeEnvelope(key, item.Value, s.maxSessionBytes)
	if err != nil {
		return nil, backendError("failed to load session", err)
	}

	// Memcached expiry is lazy and second-granular; never hand out an expired session.
	if sess.Expired() {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Save merges the session's pending changes into the stored copy and writes it
// back with compare-and-swap, retrying when another writer got there first.
func (s *MemcachedStore) Save(_ context.Context, session *Session) error {
	changes, version := session.pending()

	for range maxSaveAttempts {
		current, err := s.client.Get(session.Key.String())
		if errors.Is(err, memcache.ErrCacheMiss) {
			return ErrNotFound
		}
		if err != nil {
			return backendError("failed to get from memcached", err)
		}

		stored, err := decodeEnvelope(session.Key, current.Value, s.maxSessionBytes)
		if err != nil {
			return backendError("failed to load session", err)
		}
		stored.apply(changes)
		now := time.Now()
		stored.ExpiresAt = now.Add(s.ttl)

		next, err := s.item(stored, now)
		if err != nil {
			return err
		}
		// current carries the CAS id from Get.
		current.Value = next.Value
		current.Expiration = next.Expiration

		err = s.client.CompareAndSwap(current)
		switch {
		case errors.Is(err, memcache.ErrCASConflict):
			continue
		case errors.Is(err, memcache.ErrNotStored), errors.Is(err, memcache.ErrCacheMiss):
			return ErrNotFound
		case err != nil:
			return backendError("failed to save to memcached", err)
		}

		session.ExpiresAt = stored.ExpiresAt
		session.commit(version)
		return nil
	}
	return backendError("failed to save to memcached", memcache.ErrCASConflict)
}

func (s *MemcachedStore) item(session *Session, now time.Time) (*memcache.Item, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	if err := encodeEnvelope(buf, session, s.maxSessionBytes); err != nil {
		return nil, err
	}

	// The buffer goes back to the pool wiped, so the item needs its own copy.
	value := bytes.Clone(buf.Bytes())

	return &memcache.Item{
		Key:        session.Key.String(),
		Value:      value,
		Expiration: calculateMemcachedExpiration(now, session.ExpiresAt, s.ttl),
	}, nil
}

// Delete removes the item for key. A missing item is not an error.
func (s *MemcachedStore) Delete(_ context.Context, key Key) error {
	err := s.client.Delete(key.String())
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return backendError("failed to delete from memcached", err)
	}
	return nil
}

// Cleanup does nothing; Memcached evicts expired items itself.
func (s *MemcachedStore) Cleanup(_ context.Context) error {
	return nil
}

// Close does nothing; the gomemcache client holds no resources that need releasing.
func (s *MemcachedStore) Close() error {
	return nil
}

// calculateMemcachedExpiration returns the item expiration for a session.
// Memcached reads values up to 30 days as a relative delta and anything larger
// as an absolute Unix timestamp. A past expiry yields 0.
func calculateMemcachedExpiration(now time.Time, expiresAt time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	var duration time.Duration
	if !expiresAt.IsZero() {
		duration = expiresAt.Sub(now)
	} else {
		duration = ttl
	}

	// Beyond 30 days a delta would be read as a timestamp in 1970 (already expired).
	if duration > maxDelta*time.Second {
		if !expiresAt.IsZero() {
			return int32(expiresAt.Unix())
		}
		return int32(now.Add(ttl).Unix())
	}

	if duration < 0 {
		return 0
	}
	return int32(duration.Seconds())
}

var _ Store = (*MemcachedStore)(nil)
