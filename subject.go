package authsession

import "net/http"

// CurrentSubject returns the subject of the request's session. It returns
// ErrForbidden when there is no session, no subject, or a subject of another type.
func CurrentSubject[U any](r *http.Request) (U, error) {
	u, ok := OptionalSubject[U](r)
	if !ok {
		return u, ErrForbidden
	}
	return u, nil
}

// OptionalSubject returns the subject of the request's session, if any.
func OptionalSubject[U any](r *http.Request) (U, bool) {
	s, ok := FromRequest(r)
	if !ok {
		var zero U
		return zero, false
	}
	return SubjectAs[U](s.Data)
}

// RequireSubject rejects requests whose session carries no subject of type U
// with 403 Forbidden. It must run inside Manager.Middleware.
func RequireSubject[U any](next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := CurrentSubject[U](r); err != nil {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
