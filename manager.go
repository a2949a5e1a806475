package authsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrNoStore is returned by NewManager when Config.Store is nil.
var ErrNoStore = errors.New("session: no store configured")

// Manager resolves the session of every request, creating one when the
// client presents no usable token, and exposes it through the request context.
type Manager struct {
	store     Store
	transport Transport
	attrs     Attributes
	cleanup   time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Transport == nil {
		t, err := NewSignedCookieTransport(cfg.CookieName, cfg.SigningKey)
		if err != nil {
			return nil, err
		}
		cfg.Transport = t
	}

	m := &Manager{
		store:     cfg.Store,
		transport: cfg.Transport,
		attrs: Attributes{
			Path:     cfg.CookiePath,
			Domain:   cfg.CookieDomain,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		},
		cleanup:  cfg.CleanupInterval,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.HttpOnly != nil {
		m.attrs.HttpOnly = *cfg.HttpOnly
	}
	if cfg.Secure != nil {
		m.attrs.Secure = *cfg.Secure
	}
	if cfg.SameSite != 0 {
		m.attrs.SameSite = cfg.SameSite
	}

	// Security: browsers reject SameSite=None cookies without the Secure attribute.
	if m.attrs.SameSite == http.SameSiteNoneMode {
		m.attrs.Secure = true
	}

	if m.cleanup > 0 {
		go m.cleanupWorker()
	} else {
		close(m.done)
	}

	return m, nil
}

func (m *Manager) cleanupWorker() {
	defer close(m.done)

	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.store.Cleanup(ctx); err != nil {
				m.logger.Warn("session: cleanup failed", slog.Any("error", err))
			}
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// Close stops the cleanup worker and closes the store. It is safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopChan)
		<-m.done
		err = m.store.Close()
	})
	return err
}

// Middleware attaches the request's session to its context before calling next.
//
// A missing, untrusted or malformed token, or a well-formed key the store does
// not know, all lead to a fresh session whose token is written to the response
// before next runs. Only transport and store failures end the request, with a
// 500. Sessions modified by next are written back to the store afterwards.
//
// The token's lifetime is fixed when it is sent. Persistent stores slide
// ExpiresAt on every save, but the response headers are gone by then, so the
// token is not re-sent and the client drops it at its creation-time Max-Age.
// Regenerate issues a token with a fresh lifetime.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sess, created, err := m.resolve(r)
		if err != nil {
			m.logger.ErrorContext(ctx, "session: failed to resolve", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if created {
			// The token is written before next runs, so it survives a failing handler.
			if err := m.attach(w, r, sess); err != nil {
				m.logger.ErrorContext(ctx, "session: failed to attach token", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		}

		h := &holder{sess: sess}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, sessionContextKey{}, h)))

		if cur := h.get(); cur != nil && cur.Modified() {
			// The request context may already be cancelled; the write-back must still happen.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.store.Save(saveCtx, cur); err != nil {
				m.metrics.saveFailed()
				m.logger.ErrorContext(ctx, "session: failed to save", slog.Any("error", err))
			}
		}
	})
}

// resolve walks NoToken / Validating / {Loaded, Invalid, NotFound} and reports
// whether a new session had to be created.
func (m *Manager) resolve(r *http.Request) (*Session, bool, error) {
	ctx := r.Context()

	raw, err := m.transport.Extract(r)
	switch {
	case errors.Is(err, ErrNoToken):
		m.metrics.resolved(outcomeNoToken)
	case errors.Is(err, ErrInvalidToken):
		m.metrics.resolved(outcomeInvalid)
		m.logger.DebugContext(ctx, "session: untrusted token, starting new session", slog.Any("error", err))
	case err != nil:
		m.metrics.resolved(outcomeError)
		return nil, false, err
	default:
		key, err := ParseKey(raw)
		if err != nil {
			m.metrics.resolved(outcomeInvalid)
			m.logger.DebugContext(ctx, "session: malformed key, starting new session", slog.Any("error", err))
			break
		}

		sess, err := m.store.Load(ctx, key)
		if err == nil {
			m.metrics.resolved(outcomeLoaded)
			return sess, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			m.metrics.resolved(outcomeError)
			return nil, false, err
		}
		m.metrics.resolved(outcomeNotFound)
		m.logger.DebugContext(ctx, "session: unknown key, starting new session")
	}

	sess, err := m.store.Create(ctx)
	if err != nil {
		return nil, false, err
	}
	m.metrics.sessionCreated()
	m.logger.DebugContext(ctx, "session: created")
	return sess, true, nil
}

// attach sends the token for s, expiring with s as it stands now.
func (m *Manager) attach(w http.ResponseWriter, r *http.Request, s *Session) error {
	attrs := m.attrs
	if !s.ExpiresAt.IsZero() {
		attrs.Expires = s.ExpiresAt
		attrs.MaxAge = max(int(time.Until(s.ExpiresAt).Seconds()), 1)
	}
	return m.transport.Attach(w, r, s.Key.String(), attrs)
}

func (m *Manager) expire(w http.ResponseWriter, r *http.Request) error {
	attrs := m.attrs
	attrs.MaxAge = -1
	return m.transport.Attach(w, r, "", attrs)
}

// Regenerate moves the attributes of s to a session under a new key, deletes
// the old session and sends the new token. Call it when privileges change
// (login) to prevent session fixation. The returned session replaces s in
// the request context.
func (m *Manager) Regenerate(w http.ResponseWriter, r *http.Request, s *Session) (*Session, error) {
	ctx := r.Context()

	fresh, err := m.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	fresh.replace(s.snapshot())

	if err := m.store.Save(ctx, fresh); err != nil {
		_ = m.store.Delete(ctx, fresh.Key)
		return nil, err
	}

	if err := m.store.Delete(ctx, s.Key); err != nil {
		// Security: the old key must not stay valid. Fail closed: drop the new
		// session too and log the client out.
		_ = m.store.Delete(ctx, fresh.Key)
		_ = m.expire(w, r)
		return nil, err
	}
	m.metrics.sessionCreated()

	if err := m.attach(w, r, fresh); err != nil {
		return nil, err
	}
	if h, ok := r.Context().Value(sessionContextKey{}).(*holder); ok {
		h.set(fresh)
	}
	return fresh, nil
}

// Destroy deletes s from the store and tells the client to drop its token.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request, s *Session) error {
	// Always clear the token, even if store deletion fails.
	if err := m.expire(w, r); err != nil {
		return err
	}

	// Security: wipe values from memory whether or not the store delete succeeds.
	defer s.Clear()

	if h, ok := r.Context().Value(sessionContextKey{}).(*holder); ok && h.get() == s {
		h.set(nil)
	}

	return m.store.Delete(r.Context(), s.Key)
}

// Login regenerates the request's session and stores subject on the new one.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, subject any) (*Session, error) {
	s, ok := FromRequest(r)
	if !ok {
		return nil, ErrNoSession
	}
	fresh, err := m.Regenerate(w, r, s)
	if err != nil {
		return nil, err
	}
	fresh.SetSubject(subject)
	return fresh, nil
}

// Logout destroys the request's session.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	s, ok := FromRequest(r)
	if !ok {
		return ErrNoSession
	}
	return m.Destroy(w, r, s)
}

type sessionContextKey struct{}

// holder lets Regenerate and Destroy swap the session seen by later handlers
// and by the middleware's write-back.
type holder struct {
	mu   sync.Mutex
	sess *Session
}

func (h *holder) get() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

func (h *holder) set(s *Session) {
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, &holder{sess: s})
}

// FromContext returns the session attached by the middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	h, ok := ctx.Value(sessionContextKey{}).(*holder)
	if !ok {
		return nil, false
	}
	s := h.get()
	return s, s != nil
}

// FromRequest returns the session attached to r.
func FromRequest(r *http.Request) (*Session, bool) {
	return FromContext(r.Context())
}
