package rbac

import "slices"

// Decision is the outcome of a policy evaluation. The zero value is Deny.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

func decide(ok bool) Decision {
	if ok {
		return Allow
	}
	return Deny
}

// Policy decides whether subj may perform action on res. Implementations
// must not panic; anything that cannot be evaluated is Deny.
type Policy interface {
	Authorize(res Resource, subj Subject, action Action) Decision
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(res Resource, subj Subject, action Action) Decision

func (f PolicyFunc) Authorize(res Resource, subj Subject, action Action) Decision {
	return f(res, subj, action)
}

// GlobalPolicy allows an action when the subject holds one of the global
// roles the resource allows for it.
type GlobalPolicy struct{}

func (GlobalPolicy) Authorize(res Resource, subj Subject, action Action) Decision {
	if !supports(res, subj, action) {
		return Deny
	}
	return decide(subj.GlobalRoles().Intersects(res.AllowedGlobalRoles(action)))
}

// ResourcePolicy allows an action when the subject holds, on this resource
// instance, one of the resource-scoped roles the resource allows for it.
// Resources or subjects without a resource-scoped dimension are denied.
type ResourcePolicy struct{}

func (ResourcePolicy) Authorize(res Resource, subj Subject, action Action) Decision {
	d, _ := authorizeScoped(res, subj, action)
	return d
}

// authorizeScoped reports the resource-scoped decision and whether the
// resource declared a resource-scoped requirement for action.
func authorizeScoped(res Resource, subj Subject, action Action) (Decision, bool) {
	if !supports(res, subj, action) {
		return Deny, false
	}
	sr, ok := res.(ScopedResource)
	if !ok {
		return Deny, false
	}
	allowed, declared := sr.AllowedResourceRoles(action)
	if !declared {
		return Deny, false
	}
	ss, ok := subj.(ScopedSubject)
	if !ok {
		return Deny, true
	}
	return decide(ss.ResourceRoles(res).Intersects(allowed)), true
}

// LayeredPolicy evaluates the resource-scoped dimension first. When the
// resource declares a resource-scoped requirement for the action, that
// decision is final. Otherwise the global-role decision applies. The two
// allow sets are never combined.
type LayeredPolicy struct{}

func (LayeredPolicy) Authorize(res Resource, subj Subject, action Action) Decision {
	if d, declared := authorizeScoped(res, subj, action); declared {
		return d
	}
	return GlobalPolicy{}.Authorize(res, subj, action)
}

// supports reports whether both parties are present and res supports action.
func supports(res Resource, subj Subject, action Action) bool {
	if res == nil || subj == nil {
		return false
	}
	return slices.Contains(res.Actions(), action)
}

var (
	_ Policy = GlobalPolicy{}
	_ Policy = ResourcePolicy{}
	_ Policy = LayeredPolicy{}
	_ Policy = PolicyFunc(nil)
)
