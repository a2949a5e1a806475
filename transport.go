package authsession

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

// minSigningKeyLength is the minimum accepted HMAC key size in bytes.
const minSigningKeyLength = 32

// ErrWeakSigningKey is returned when a signing key is shorter than 32 bytes.
var ErrWeakSigningKey = errors.New("session: signing key must be at least 32 bytes")

// Attributes are the cookie attributes applied when a token is written.
type Attributes struct {
	Path     string
	Domain   string
	Expires  time.Time
	MaxAge   int
	SameSite http.SameSite
	Secure   bool
	HttpOnly bool
}

// Transport moves the session token between client and server. The manager
// treats it as a black box.
type Transport interface {
	// Extract returns the raw token carried by r. It returns ErrNoToken when the
	// request carries none and ErrInvalidToken when the token cannot be trusted.
	// Any other error fails the request.
	Extract(r *http.Request) (string, error)
	// Attach writes value to the response. An empty value with a negative
	// MaxAge instructs the client to drop the token.
	Attach(w http.ResponseWriter, r *http.Request, value string, attrs Attributes) error
}

// SignedCookieTransport carries the token in an HMAC-SHA256 signed cookie.
// The first key signs; every key verifies, which allows key rotation.
type SignedCookieTransport struct {
	name string
	keys [][]byte
}

// NewSignedCookieTransport creates a cookie transport. At least one key is required.
func NewSignedCookieTransport(name string, keys ...[]byte) (*SignedCookieTransport, error) {
	if len(keys) == 0 {
		return nil, ErrWeakSigningKey
	}
	for _, k := range keys {
		if len(k) < minSigningKeyLength {
			return nil, ErrWeakSigningKey
		}
	}
	return &SignedCookieTransport{
		name: name,
		keys: keys,
	}, nil
}

// Name returns the cookie name.
func (t *SignedCookieTransport) Name() string {
	return t.name
}

// Extract reads and verifies the session cookie.
func (t *SignedCookieTransport) Extract(r *http.Request) (string, error) {
	c, err := r.Cookie(t.name)
	if errors.Is(err, http.ErrNoCookie) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	if c.Value == "" {
		return "", ErrNoToken
	}
	return t.verify(c.Value)
}

// Attach signs value and sets the cookie.
func (t *SignedCookieTransport) Attach(w http.ResponseWriter, _ *http.Request, value string, attrs Attributes) error {
	if value != "" {
		value = t.sign(value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     t.name,
		Value:    value,
		Path:     attrs.Path,
		Domain:   attrs.Domain,
		Expires:  attrs.Expires,
		MaxAge:   attrs.MaxAge,
		HttpOnly: attrs.HttpOnly,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
	})
	return nil
}

func (t *SignedCookieTransport) sign(value string) string {
	return value + "|" + mac(t.keys[0], t.name, value)
}

func (t *SignedCookieTransport) verify(signed string) (string, error) {
	value, signature, ok := strings.Cut(signed, "|")
	if !ok {
		return "", ErrInvalidToken
	}
	valid := slices.ContainsFunc(t.keys, func(k []byte) bool {
		return hmac.Equal([]byte(signature), []byte(mac(k, t.name, value)))
	})
	if !valid {
		return "", ErrInvalidToken
	}
	return value, nil
}

// mac binds the signature to the cookie name so a value signed for one
// cookie cannot be replayed under another.
func mac(key []byte, name, value string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(name))
	h.Write([]byte{'='})
	h.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

var _ Transport = (*SignedCookieTransport)(nil)
