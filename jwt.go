package authsession

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenHeader is the response header that carries newly issued tokens.
const DefaultTokenHeader = "X-Session-Token"

// JWTTransport carries the session key as the jti claim of an HS256 token sent
// in the Authorization header. New tokens are returned in a response header.
type JWTTransport struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	tokenHeader string
}

// JWTOption configures the JWT transport.
type JWTOption func(*JWTTransport)

// WithJWTIssuer sets the issuer claim written to and required from tokens.
func WithJWTIssuer(issuer string) JWTOption {
	return func(t *JWTTransport) {
		t.issuer = issuer
	}
}

// WithJWTTTL sets the token lifetime used when the session has no expiry.
func WithJWTTTL(ttl time.Duration) JWTOption {
	return func(t *JWTTransport) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithJWTTokenHeader sets the response header used for new tokens.
func WithJWTTokenHeader(name string) JWTOption {
	return func(t *JWTTransport) {
		if name != "" {
			t.tokenHeader = name
		}
	}
}

// NewJWTTransport creates a JWT transport signing with secret.
func NewJWTTransport(secret []byte, opts ...JWTOption) (*JWTTransport, error) {
	if len(secret) < minSigningKeyLength {
		return nil, ErrWeakSigningKey
	}
	t := &JWTTransport{
		secret:      secret,
		ttl:         defaultTTL,
		tokenHeader: DefaultTokenHeader,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Extract validates the bearer token and returns its jti claim.
func (t *JWTTransport) Extract(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return "", ErrInvalidToken
	}
	return claims.ID, nil
}

// Attach issues a token for value. Clearing (empty value) is a no-op because
// the client owns bearer tokens.
func (t *JWTTransport) Attach(w http.ResponseWriter, _ *http.Request, value string, attrs Attributes) error {
	if value == "" {
		return nil
	}

	now := time.Now()
	expires := attrs.Expires
	if expires.IsZero() {
		expires = now.Add(t.ttl)
	}

	claims := jwt.RegisteredClaims{
		ID:        value,
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}
	w.Header().Set(t.tokenHeader, signed)
	return nil
}

var _ Transport = (*JWTTransport)(nil)
