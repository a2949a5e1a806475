// Command authsession-demo serves a small document API protected by
// authsession: sessions, login, and role-based access to documents.
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Morditux/authsession"
	"github.com/Morditux/authsession/rbac"
)

//go:embed policy.yaml
var defaultPolicy []byte

// loginRoles are the global roles of every demo user. Write access to a
// document comes from owning it.
var loginRoles = []rbac.Role{"reader"}

type demoConfig struct {
	Addr       string `env:"DEMO_ADDR" envDefault:":8080"`
	Store      string `env:"DEMO_STORE" envDefault:"memory"` // memory, sqlite or redis
	SQLiteDSN  string `env:"DEMO_SQLITE_DSN" envDefault:"file:sessions.db?_pragma=journal_mode(WAL)"`
	RedisAddr  string `env:"DEMO_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	PolicyFile string `env:"DEMO_POLICY_FILE"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := run(logger); err != nil {
		logger.Error("demo: exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	demo, err := env.ParseAs[demoConfig]()
	if err != nil {
		return fmt.Errorf("failed to parse demo config: %w", err)
	}
	sessCfg, err := authsession.LoadEnvConfig()
	if err != nil {
		return err
	}

	store, err := openStore(demo, sessCfg.TTL)
	if err != nil {
		return err
	}

	cfg, err := sessCfg.Config(store)
	if err != nil {
		store.Close()
		return err
	}
	reg := prometheus.NewRegistry()
	cfg.Logger = logger
	cfg.Metrics = authsession.NewMetrics(reg)

	mgr, err := authsession.NewManager(cfg)
	if err != nil {
		store.Close()
		return err
	}
	defer mgr.Close()

	table, err := loadPolicy(demo.PolicyFile)
	if err != nil {
		return err
	}

	authsession.RegisterType(rbac.Principal{})
	a := &api{
		mgr:    mgr,
		table:  table,
		grants: rbac.NewGrants(),
		docs:   make(map[string]*document),
	}
	a.authz = rbac.NewAuthorizer(rbac.LayeredPolicy{},
		rbac.WithLogger(logger),
		rbac.WithGrants(a.grants),
		rbac.WithRegisterer(reg),
	)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(mgr.Middleware)
		r.Post("/login", a.login)
		r.Post("/logout", a.logout)
		r.With(authsession.RequireSubject[rbac.Principal]).Get("/me", a.me)
		r.Route("/documents", func(r chi.Router) {
			r.Use(authsession.RequireSubject[rbac.Principal])
			r.Get("/", a.listDocuments)
			r.Post("/", a.createDocument)
			r.Route("/{document}", func(r chi.Router) {
				r.With(a.guard("read")).Get("/", a.getDocument)
				r.With(a.guard("edit", authsession.WithConcealment())).Put("/", a.updateDocument)
				r.With(a.guard("delete", authsession.WithConcealment())).Delete("/", a.deleteDocument)
			})
		})
	})

	srv := &http.Server{
		Addr:              demo.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("demo: listening", slog.String("addr", demo.Addr), slog.String("store", demo.Store))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg demoConfig, ttl time.Duration) (authsession.Store, error) {
	switch cfg.Store {
	case "memory":
		return authsession.NewMemoryStore(ttl), nil
	case "sqlite":
		return authsession.NewSQLiteStoreWithConfig(authsession.SQLiteConfig{
			DSN:          cfg.SQLiteDSN,
			TTL:          ttl,
			MaxOpenConns: 16,
			MaxIdleConns: 16,
		})
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return authsession.NewRedisStore(client, authsession.RedisConfig{TTL: ttl}), nil
	default:
		return nil, fmt.Errorf("demo: unknown store %q", cfg.Store)
	}
}

func loadPolicy(path string) (*rbac.Table, error) {
	if path == "" {
		return rbac.ParseTable(defaultPolicy)
	}
	return rbac.LoadTable(path)
}

type document struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type api struct {
	mgr    *authsession.Manager
	authz  *rbac.Authorizer
	table  *rbac.Table
	grants *rbac.Grants

	mu   sync.RWMutex
	docs map[string]*document
}

func (a *api) object(id string) *rbac.Object {
	return a.table.Object(rbac.Identifier{Type: "document", ID: id})
}

func (a *api) guard(action rbac.Action, opts ...authsession.GuardOption) func(http.Handler) http.Handler {
	return authsession.Guard[rbac.Principal](a.authz, action, func(r *http.Request) (rbac.Resource, error) {
		id := chi.URLParam(r, "document")
		a.mu.RLock()
		_, ok := a.docs[id]
		a.mu.RUnlock()
		if !ok {
			return nil, authsession.ErrResourceNotFound
		}
		return a.object(id), nil
	}, opts...)
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	// The demo checks no credentials, so the client never picks its roles.
	p := rbac.Principal{ID: uuid.NewString(), Name: name, Roles: slices.Clone(loginRoles)}

	if _, err := a.mgr.Login(w, r, p); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.Logout(w, r); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	p, _ := authsession.CurrentSubject[rbac.Principal](r)
	writeJSON(w, http.StatusOK, p)
}

func (a *api) createDocument(w http.ResponseWriter, r *http.Request) {
	p, _ := authsession.CurrentSubject[rbac.Principal](r)

	var doc document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid document", http.StatusBadRequest)
		return
	}
	doc.ID = uuid.NewString()
	doc.Owner = p.ID

	a.mu.Lock()
	a.docs[doc.ID] = &doc
	a.mu.Unlock()
	a.grants.Grant(p.ID, rbac.Identifier{Type: "document", ID: doc.ID}, "owner")

	writeJSON(w, http.StatusCreated, doc)
}

func (a *api) listDocuments(w http.ResponseWriter, r *http.Request) {
	p, _ := authsession.CurrentSubject[rbac.Principal](r)

	a.mu.RLock()
	ids := make([]string, 0, len(a.docs))
	for id := range a.docs {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)

	objects := make([]*rbac.Object, 0, len(ids))
	for _, id := range ids {
		objects = append(objects, a.object(id))
	}

	visible := rbac.Filter(r.Context(), a.authz, p, "read", objects)
	out := make([]document, 0, len(visible))
	a.mu.RLock()
	for _, o := range visible {
		if doc, ok := a.docs[o.Identifier().ID]; ok {
			out = append(out, *doc)
		}
	}
	a.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getDocument(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	doc, ok := a.docs[chi.URLParam(r, "document")]
	var out document
	if ok {
		out = *doc
	}
	a.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) updateDocument(w http.ResponseWriter, r *http.Request) {
	var patch document
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid document", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	doc, ok := a.docs[chi.URLParam(r, "document")]
	var out document
	if ok {
		doc.Title, doc.Body = patch.Title, patch.Body
		out = *doc
	}
	a.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document")

	a.mu.Lock()
	doc, ok := a.docs[id]
	delete(a.docs, id)
	a.mu.Unlock()
	if ok {
		a.grants.Revoke(doc.Owner, rbac.Identifier{Type: "document", ID: id})
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
