package rbac

import (
	"maps"
	"slices"
)

// Role names a role a subject holds, either globally or with respect to one resource.
type Role string

// Action is an operation a subject may attempt against a resource.
type Action string

// RoleSet is a set of roles. The zero value is an empty set that may be read
// but not written to.
type RoleSet map[Role]struct{}

// NewRoleSet returns a set holding roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s RoleSet) Len() int {
	return len(s)
}

// Intersect returns the roles present in both sets.
func (s RoleSet) Intersect(other RoleSet) RoleSet {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	out := make(RoleSet)
	for r := range small {
		if large.Has(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// Intersects reports whether the sets share at least one role. Two empty
// sets do not intersect.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for r := range small {
		if large.Has(r) {
			return true
		}
	}
	return false
}

// Union returns the roles present in either set.
func (s RoleSet) Union(other RoleSet) RoleSet {
	out := make(RoleSet, len(s)+len(other))
	maps.Copy(out, s)
	maps.Copy(out, other)
	return out
}

// Roles returns the roles in sorted order.
func (s RoleSet) Roles() []Role {
	return slices.Sorted(maps.Keys(s))
}
