package authsession

import (
	"errors"
	"net/http"

	"github.com/Morditux/authsession/rbac"
)

// ErrResourceNotFound may be returned by a ResourceResolver to answer 404.
var ErrResourceNotFound = errors.New("session: resource not found")

// ResourceResolver returns the resource a request targets.
type ResourceResolver func(r *http.Request) (rbac.Resource, error)

type guardOptions struct {
	conceal bool
}

// GuardOption configures Guard.
type GuardOption func(*guardOptions)

// WithConcealment answers denials with 404 Not Found instead of 403, so that
// clients cannot tell a forbidden resource from a missing one.
func WithConcealment() GuardOption {
	return func(o *guardOptions) {
		o.conceal = true
	}
}

// Guard only lets requests through when the session subject, of type U, may
// perform action on the resource returned by resolve. It must run inside
// Manager.Middleware.
//
// A missing subject answers 403. A denial answers 403, or 404 with
// WithConcealment. A resolver failure answers 500, except
// ErrResourceNotFound which answers 404.
func Guard[U rbac.Subject](az *rbac.Authorizer, action rbac.Action, resolve ResourceResolver, opts ...GuardOption) func(http.Handler) http.Handler {
	var o guardOptions
	for _, opt := range opts {
		opt(&o)
	}

	deny := func(w http.ResponseWriter) {
		if o.conceal {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := CurrentSubject[U](r)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			res, err := resolve(r)
			if errors.Is(err, ErrResourceNotFound) {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if err := az.Authorize(r.Context(), res, subject, action); err != nil {
				deny(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
