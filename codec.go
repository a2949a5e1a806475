package authsession

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// RegisterType records the concrete type of v for gob encoding. Attribute values
// and subjects of caller-defined types must be registered before a persistent
// store can save them.
func RegisterType(v any) {
	gob.Register(v)
}

// envelope is the encoded form used by key/value backends that have no
// columns for the timestamps.
type envelope struct {
	Values    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

func init() {
	gob.Register(map[string]any{})
	gob.Register(envelope{})
}

// encodeValues gob-encodes the attribute bag into buf. Empty bags encode to
// nothing so backends can store NULL.
func encodeValues(buf *bytes.Buffer, values map[string]any, maxBytes int) error {
	if len(values) == 0 {
		return nil
	}
	if err := gob.NewEncoder(buf).Encode(values); err != nil {
		return fmt.Errorf("failed to encode session data: %w", err)
	}
	if maxBytes > 0 && buf.Len() > maxBytes {
		return ErrSessionTooLarge
	}
	return nil
}

func decodeValues(data []byte, maxBytes int) (map[string]any, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, ErrSessionTooLarge
	}

	var values map[string]any
	// NULL or empty blobs are sessions that were never populated.
	if len(data) > 0 {
		reader := readerPool.Get().(*bytes.Reader)
		reader.Reset(data)
		defer readerPool.Put(reader)

		if err := gob.NewDecoder(reader).Decode(&values); err != nil {
			return nil, fmt.Errorf("failed to decode session data: %w", err)
		}
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

func encodeEnvelope(buf *bytes.Buffer, s *Session, maxBytes int) error {
	env := envelope{
		Values:    s.snapshot(),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if err := gob.NewEncoder(buf).Encode(env); err != nil {
		return fmt.Errorf("failed to encode session data: %w", err)
	}
	if maxBytes > 0 && buf.Len() > maxBytes {
		return ErrSessionTooLarge
	}
	return nil
}

func decodeEnvelope(key Key, data []byte, maxBytes int) (*Session, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, ErrSessionTooLarge
	}

	var env envelope

	reader := readerPool.Get().(*bytes.Reader)
	reader.Reset(data)
	defer readerPool.Put(reader)

	if err := gob.NewDecoder(reader).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}

	return &Session{
		Key:       key,
		CreatedAt: env.CreatedAt,
		ExpiresAt: env.ExpiresAt,
		Data:      newDataFrom(env.Values),
	}, nil
}
