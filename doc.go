/*
Package authsession provides server-side session management and role-based
authorization for Go web applications.

A Manager resolves the session of every request behind a middleware. Clients
hold an opaque 128-bit key carried by a Transport (a signed cookie by default,
or a bearer JWT); the attributes themselves live in a Store. Handlers read the
session from the request context, mark a subject (the authenticated user) with
Manager.Login, and protect routes with RequireSubject or Guard, which consults
an rbac.Authorizer.

Key Features:

  - Pluggable storage: in-memory, SQLite (CGO-free), PostgreSQL, Redis and Memcached.
  - Security first:
  - Keys are validated before any store lookup; unknown or forged tokens get a fresh session.
  - Login regenerates the key and deletes the old session to prevent fixation.
  - Cookies are HMAC-signed, HttpOnly, Secure and SameSite=Strict by default.
  - Creation never overwrites a live session; colliding keys are regenerated.
  - Authorization is deny-by-default, with global and resource-scoped roles.
  - Operations: structured logging with log/slog and prometheus metrics for
    session resolution and authorization decisions.

Usage:

	store, err := authsession.NewSQLiteStore("sessions.db")
	if err != nil {
		log.Fatal(err)
	}

	mgr, err := authsession.NewManager(authsession.Config{
		Store:      store,
		SigningKey: []byte(os.Getenv("SESSION_SIGNING_KEY")),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer mgr.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if _, err := mgr.Login(w, r, rbac.Principal{ID: "42", Roles: []rbac.Role{"user"}}); err != nil {
			http.Error(w, "login failed", http.StatusInternalServerError)
		}
	})
	http.ListenAndServe(":8080", mgr.Middleware(mux))

Cookies carry the expiry the session had when the token was issued. Saves
slide the stored expiry forward but do not re-send the token, so a client
keeps a session at most one TTL past login unless the application calls
Manager.Regenerate.

Values stored in a session are gob-encoded by persistent stores; call
RegisterType for every concrete type stored as an attribute or subject.

Thread Safety:

The Manager, every Store and the rbac types are safe for concurrent use.
Session attributes are guarded by a lock, so a session may be shared by
concurrent requests presenting the same key.
*/
package authsession
