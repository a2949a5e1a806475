package authsession

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// SubjectKey is the attribute key reserved for the current subject.
const SubjectKey = "current_user"

// Data is a concurrency-safe attribute bag. All methods lock for the duration
// of the single call only; concurrent writers to the same key resolve as last-writer-wins.
//
// The bag remembers which keys were set or unset since it was loaded, and
// persistent stores merge only those keys into the stored copy on Save. Two
// requests holding their own copies of one session therefore keep each
// other's writes to different keys.
type Data struct {
	mu      sync.RWMutex
	values  map[string]any
	changes map[string]change
	version uint64
}

// change is a pending write to one key.
type change struct {
	value   any
	deleted bool
}

// NewData returns an empty attribute bag.
func NewData() *Data {
	return &Data{values: make(map[string]any)}
}

func newDataFrom(values map[string]any) *Data {
	if values == nil {
		values = make(map[string]any)
	}
	return &Data{values: values}
}

// Get returns the value stored under key.
func (d *Data) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

// Set stores value under key.
func (d *Data) Set(key string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = value
	d.record(key, change{value: value})
}

// Unset removes key. Removing a missing key is a no-op.
func (d *Data) Unset(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	d.record(key, change{deleted: true})
}

// Len returns the number of stored attributes, the subject included.
func (d *Data) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values)
}

// Keys returns the attribute keys in sorted order.
func (d *Data) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.values))
}

// Clear removes all attributes.
func (d *Data) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.values {
		delete(d.values, key)
		d.record(key, change{deleted: true})
	}
}

// SetSubject stores the current subject. Persistent stores gob-encode the
// subject, so its concrete type must be registered with RegisterType.
func (d *Data) SetSubject(subject any) {
	d.Set(SubjectKey, subject)
}

// Subject returns the current subject, if one has been set.
func (d *Data) Subject() (any, bool) {
	return d.Get(SubjectKey)
}

// ClearSubject removes the current subject.
func (d *Data) ClearSubject() {
	d.Unset(SubjectKey)
}

// Modified reports whether the bag changed since it was loaded or last saved.
func (d *Data) Modified() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.changes) > 0
}

// record notes a write to key. Callers hold d.mu.
func (d *Data) record(key string, c change) {
	if d.changes == nil {
		d.changes = make(map[string]change)
	}
	d.changes[key] = c
	d.version++
}

// snapshot returns a copy of the values for encoding.
func (d *Data) snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.values)
}

// replace swaps in values, recording every key it sets or drops.
func (d *Data) replace(values map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.values {
		if _, ok := values[key]; !ok {
			delete(d.values, key)
			d.record(key, change{deleted: true})
		}
	}
	for key, v := range values {
		d.values[key] = v
		d.record(key, change{value: v})
	}
}

// pending returns the writes made since the last save, and the version to
// hand to commit once they are stored.
func (d *Data) pending() (map[string]change, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.changes), d.version
}

// apply merges changes into the bag without recording them.
func (d *Data) apply(changes map[string]change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	applyChanges(d.values, changes)
}

func applyChanges(values map[string]any, changes map[string]change) {
	for key, c := range changes {
		if c.deleted {
			delete(values, key)
		} else {
			values[key] = c.value
		}
	}
}

// commit forgets the writes returned by pending. Writes made after pending
// was called keep the bag modified.
func (d *Data) commit(version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.version == version {
		clear(d.changes)
	}
}

func (d *Data) markSaved() {
	d.mu.Lock()
	clear(d.changes)
	d.mu.Unlock()
}

// Value returns the attribute under key as a T. It reports false when the key
// is missing or holds another type.
func Value[T any](d *Data, key string) (T, bool) {
	v, ok := d.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// SubjectAs returns the current subject as a U.
func SubjectAs[U any](d *Data) (U, bool) {
	return Value[U](d, SubjectKey)
}

// Session is the handle binding a Key to its attribute bag. The Key never
// changes once the store hands out the handle; persistent stores push
// ExpiresAt forward on Save.
type Session struct {
	Key       Key
	CreatedAt time.Time
	ExpiresAt time.Time

	*Data
}

// newSession builds an empty session. A non-positive ttl leaves ExpiresAt zero,
// meaning the session never expires.
func newSession(key Key, ttl time.Duration) *Session {
	now := time.Now()
	s := &Session{
		Key:       key,
		CreatedAt: now,
		Data:      NewData(),
	}
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	return s
}

// Expired reports whether the session is past its expiry time.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Store defines session persistence. Implementations must be safe for
// unbounded concurrent callers.
type Store interface {
	// Create generates an unused key, inserts an empty session under it and returns it.
	Create(ctx context.Context) (*Session, error)
	// Load returns the live session for key, or ErrNotFound.
	Load(ctx context.Context, key Key) (*Session, error)
	// Save merges the keys set or unset on s since it was loaded into the
	// stored copy, atomically with respect to other savers, and returns
	// ErrNotFound when the session is gone.
	Save(ctx context.Context, s *Session) error
	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, key Key) error
	// Cleanup removes expired sessions from the store.
	Cleanup(ctx context.Context) error
	// Close closes the store.
	Close() error
}

const (
	// maxCreateAttempts bounds key regeneration on collision.
	maxCreateAttempts = 8
	// maxSaveAttempts bounds optimistic save retries when another writer
	// touched the session between read and write.
	maxSaveAttempts = 8
)

// generateKey is swapped out by tests to force collisions.
var generateKey = NewKey

// createWithRetry draws keys until insert reports a fresh insertion.
// insert returns false when the key was already taken.
func createWithRetry(ctx context.Context, insert func(ctx context.Context, key Key) (bool, error)) (Key, error) {
	for range maxCreateAttempts {
		if err := ctx.Err(); err != nil {
			return Key{}, err
		}
		key, err := generateKey()
		if err != nil {
			return Key{}, err
		}
		if key.IsZero() {
			continue
		}
		ok, err := insert(ctx, key)
		if err != nil {
			return Key{}, err
		}
		if ok {
			return key, nil
		}
	}
	return Key{}, ErrKeyExhausted
}
