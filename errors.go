package authsession

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyFormat is returned when a session key does not have the expected format.
	ErrInvalidKeyFormat = errors.New("session: invalid key format")

	// ErrNotFound is returned by Store.Load when no live session exists for the key.
	// It is an outcome, not a failure: the manager answers it by creating a new session.
	ErrNotFound = errors.New("session: not found")

	// ErrBackend wraps every failure of the storage backend.
	ErrBackend = errors.New("session: backend failure")

	// ErrKeyExhausted is returned when Create could not find an unused key.
	ErrKeyExhausted = errors.New("session: could not generate unused key")

	// ErrSessionTooLarge is returned when the session data exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session: data too large")

	// ErrNoToken is returned by a Transport when the request carries no session token.
	ErrNoToken = errors.New("session: no token")

	// ErrInvalidToken is returned by a Transport when the token is present but cannot be
	// trusted (bad signature, bad encoding). It is handled like a missing token.
	ErrInvalidToken = errors.New("session: invalid token")

	// ErrForbidden is returned when the request has no subject or the subject may not proceed.
	ErrForbidden = errors.New("forbidden")

	// ErrNoSession is returned when no session is attached to the request context.
	ErrNoSession = errors.New("session: no session in context")
)

// backendError wraps err so that errors.Is(err, ErrBackend) holds while the
// original cause stays reachable.
func backendError(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackend, msg, err)
}
