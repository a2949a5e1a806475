package rbac

import (
	"errors"
	"fmt"
)

// errForbidden is the message returned to clients on denial. It is
// intentionally vague so that it does not disclose anything about the resource.
const errForbidden = "rbac: forbidden"

// ErrForbidden matches every *ForbiddenError with errors.Is.
var ErrForbidden = errors.New(errForbidden)

// ForbiddenError is returned when a policy denies an action.
type ForbiddenError struct {
	// internal is the internal error that should never be shown to the client.
	internal error

	resource Identifier
	action   Action
	roles    []Role
}

// ForbiddenWithInternal creates an error that shows a plain "forbidden" to the
// client while keeping the detailed cause for logs.
func ForbiddenWithInternal(internal error, res Identifier, action Action, subj Subject) *ForbiddenError {
	e := &ForbiddenError{
		internal: internal,
		resource: res,
		action:   action,
	}
	if subj != nil {
		e.roles = subj.GlobalRoles().Roles()
	}
	return e
}

// Error implements the error interface.
func (*ForbiddenError) Error() string {
	return errForbidden
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

func (e *ForbiddenError) Unwrap() error {
	return e.internal
}

// Internal allows the internal error message to be logged.
func (e *ForbiddenError) Internal() error {
	return e.internal
}

// Detail describes the denied request for logs.
func (e *ForbiddenError) Detail() string {
	return fmt.Sprintf("%s: (resource: %s), (action: %s), (global roles: %v), (cause: %v)",
		errForbidden, e.resource, e.action, e.roles, e.internal)
}

// Resource returns the identifier of the denied resource.
func (e *ForbiddenError) Resource() Identifier {
	return e.resource
}

// Action returns the denied action.
func (e *ForbiddenError) Action() Action {
	return e.action
}

// IsForbidden reports whether err is, or wraps, a *ForbiddenError.
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// Check evaluates p and returns a *ForbiddenError on Deny. A panic inside the
// policy, or in the resource or subject it consults, is a Deny.
func Check(p Policy, res Resource, subj Subject, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ForbiddenError{
				internal: fmt.Errorf("policy panicked: %v", r),
				resource: identify(res),
				action:   action,
			}
		}
	}()

	if p == nil {
		return ForbiddenWithInternal(errors.New("no policy"), identify(res), action, subj)
	}
	if p.Authorize(res, subj, action) == Allow {
		return nil
	}
	return ForbiddenWithInternal(errors.New("policy denied request"), identify(res), action, subj)
}

// identify returns the identifier of res, or the zero Identifier when res is
// nil or cannot report one.
func identify(res Resource) (id Identifier) {
	if res == nil {
		return Identifier{}
	}
	defer func() {
		if recover() != nil {
			id = Identifier{}
		}
	}()
	return res.Identifier()
}
