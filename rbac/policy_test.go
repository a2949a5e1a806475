package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	roleUser  Role = "user"
	roleAdmin Role = "admin"

	roleOwner Role = "owner"
	roleOther Role = "other"

	actionRead   Action = "read"
	actionWrite  Action = "write"
	actionDelete Action = "delete"
)

type user struct {
	name  string
	roles RoleSet
}

func (u user) GlobalRoles() RoleSet { return u.roles }

// scopedUser owns the customers listed in owns.
type scopedUser struct {
	user
	owns map[string]bool
}

func (u scopedUser) ResourceRoles(res Resource) RoleSet {
	if u.owns[res.Identifier().ID] {
		return NewRoleSet(roleOwner)
	}
	return NewRoleSet()
}

type customer struct{ id string }

func (c customer) Identifier() Identifier { return Identifier{Type: "customer", ID: c.id} }
func (c customer) Actions() []Action      { return []Action{actionRead, actionWrite} }

func (c customer) AllowedGlobalRoles(Action) RoleSet {
	return NewRoleSet(roleAdmin)
}

func (c customer) AllowedResourceRoles(action Action) (RoleSet, bool) {
	switch action {
	case actionRead:
		return NewRoleSet(roleAdmin, roleOther, roleOwner), true
	case actionWrite:
		return NewRoleSet(roleAdmin, roleOwner), true
	}
	return nil, false
}

type product struct{}

func (product) Identifier() Identifier { return Identifier{Type: "product"} }
func (product) Actions() []Action      { return []Action{actionRead, actionWrite, actionDelete} }

func (product) AllowedGlobalRoles(action Action) RoleSet {
	switch action {
	case actionRead:
		return NewRoleSet(roleAdmin, roleUser)
	case actionWrite, actionDelete:
		return NewRoleSet(roleAdmin)
	}
	return nil
}

// locked declares its actions but allows nobody.
type locked struct{}

func (locked) Identifier() Identifier            { return Identifier{Type: "locked"} }
func (locked) Actions() []Action                 { return []Action{actionRead} }
func (locked) AllowedGlobalRoles(Action) RoleSet { return NewRoleSet() }

func TestGlobalPolicy(t *testing.T) {
	t.Parallel()

	plain := user{name: "User", roles: NewRoleSet(roleUser)}
	admin := user{name: "Admin", roles: NewRoleSet(roleUser, roleAdmin)}
	c := customer{id: "c1"}

	tests := []struct {
		name   string
		res    Resource
		subj   Subject
		action Action
		want   Decision
	}{
		{"user reads customer", c, plain, actionRead, Deny},
		{"user writes customer", c, plain, actionWrite, Deny},
		{"admin reads customer", c, admin, actionRead, Allow},
		{"admin writes customer", c, admin, actionWrite, Allow},
		{"user reads product", product{}, plain, actionRead, Allow},
		{"user deletes product", product{}, plain, actionDelete, Deny},
		{"admin deletes product", product{}, admin, actionDelete, Allow},
		{"undeclared action", c, admin, actionDelete, Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, GlobalPolicy{}.Authorize(tt.res, tt.subj, tt.action))
		})
	}
}

func TestDenyByDefault(t *testing.T) {
	t.Parallel()

	everyone := user{roles: NewRoleSet(roleUser, roleAdmin, roleOwner, roleOther)}
	for _, p := range []Policy{GlobalPolicy{}, ResourcePolicy{}, LayeredPolicy{}} {
		assert.Equal(t, Deny, p.Authorize(locked{}, everyone, actionRead), "%T", p)
	}
}

func TestEmptyRoleSets(t *testing.T) {
	t.Parallel()

	nobody := user{roles: NewRoleSet()}
	assert.False(t, NewRoleSet().Intersects(NewRoleSet()))
	assert.Equal(t, 0, NewRoleSet().Intersect(NewRoleSet()).Len())
	assert.Equal(t, Deny, GlobalPolicy{}.Authorize(locked{}, nobody, actionRead))
	assert.Equal(t, Deny, GlobalPolicy{}.Authorize(product{}, nobody, actionRead))

	var zero RoleSet
	assert.Equal(t, Deny, GlobalPolicy{}.Authorize(product{}, user{roles: zero}, actionRead))
}

func TestNilArgumentsDeny(t *testing.T) {
	t.Parallel()

	admin := user{roles: NewRoleSet(roleAdmin)}
	for _, p := range []Policy{GlobalPolicy{}, ResourcePolicy{}, LayeredPolicy{}} {
		assert.NotPanics(t, func() {
			assert.Equal(t, Deny, p.Authorize(nil, admin, actionRead))
			assert.Equal(t, Deny, p.Authorize(product{}, nil, actionRead))
		})
	}
}

// brokenResource dereferences its receiver, so a nil *brokenResource panics.
type brokenResource struct{ id string }

func (r *brokenResource) Identifier() Identifier            { return Identifier{Type: "broken", ID: r.id} }
func (r *brokenResource) Actions() []Action                 { return []Action{Action(r.id)} }
func (r *brokenResource) AllowedGlobalRoles(Action) RoleSet { return NewRoleSet(Role(r.id)) }

func TestTypedNilArgumentsDeny(t *testing.T) {
	t.Parallel()

	admin := Principal{ID: "1", Roles: []Role{roleAdmin}}
	var object *Object
	for _, p := range []Policy{GlobalPolicy{}, ResourcePolicy{}, LayeredPolicy{}} {
		assert.NotPanics(t, func() {
			assert.Equal(t, Deny, p.Authorize(object, admin, actionRead))
		})
	}
	assert.Equal(t, Identifier{}, object.Identifier())
	assert.Empty(t, object.AllowedGlobalRoles(actionRead).Roles())

	t.Run("panics in Check become a deny", func(t *testing.T) {
		t.Parallel()

		var broken *brokenResource
		var nobody *Principal
		assert.NotPanics(t, func() {
			err := Check(LayeredPolicy{}, broken, admin, actionRead)
			assert.ErrorIs(t, err, ErrForbidden)

			err = Check(GlobalPolicy{}, product{}, nobody, actionRead)
			assert.ErrorIs(t, err, ErrForbidden)
			assert.Contains(t, err.(*ForbiddenError).Detail(), "panicked")
		})
	})
}

func TestResourcePolicy(t *testing.T) {
	t.Parallel()

	owner := scopedUser{user: user{roles: NewRoleSet(roleUser)}, owns: map[string]bool{"c1": true}}

	assert.Equal(t, Allow, ResourcePolicy{}.Authorize(customer{id: "c1"}, owner, actionWrite))
	assert.Equal(t, Deny, ResourcePolicy{}.Authorize(customer{id: "c2"}, owner, actionWrite))
	// product declares no resource-scoped dimension
	assert.Equal(t, Deny, ResourcePolicy{}.Authorize(product{}, owner, actionRead))
	// a subject without resource roles cannot pass
	assert.Equal(t, Deny, ResourcePolicy{}.Authorize(customer{id: "c1"}, owner.user, actionRead))
}

func TestLayeredPolicy(t *testing.T) {
	t.Parallel()

	owner := scopedUser{user: user{roles: NewRoleSet(roleUser)}, owns: map[string]bool{"c1": true}}
	globalAdmin := scopedUser{user: user{roles: NewRoleSet(roleAdmin)}}

	t.Run("declared scoped requirement takes precedence", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Allow, LayeredPolicy{}.Authorize(customer{id: "c1"}, owner, actionWrite))
		// global admin without a role on this customer is not let in through the global dimension
		assert.Equal(t, Deny, LayeredPolicy{}.Authorize(customer{id: "c1"}, globalAdmin, actionWrite))
	})

	t.Run("no scoped requirement falls back to global", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Allow, LayeredPolicy{}.Authorize(product{}, owner, actionRead))
		assert.Equal(t, Deny, LayeredPolicy{}.Authorize(product{}, owner, actionDelete))
		assert.Equal(t, Allow, LayeredPolicy{}.Authorize(product{}, globalAdmin, actionDelete))
	})
}

func TestCheck(t *testing.T) {
	t.Parallel()

	admin := user{roles: NewRoleSet(roleAdmin)}
	plain := user{roles: NewRoleSet(roleUser)}

	require.NoError(t, Check(GlobalPolicy{}, customer{id: "c1"}, admin, actionRead))

	err := Check(GlobalPolicy{}, customer{id: "c1"}, plain, actionRead)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.True(t, IsForbidden(err))
	assert.Equal(t, "rbac: forbidden", err.Error())

	var fe *ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, Identifier{Type: "customer", ID: "c1"}, fe.Resource())
	assert.Equal(t, actionRead, fe.Action())
	assert.Contains(t, fe.Detail(), "customer:c1")
	assert.Contains(t, fe.Detail(), "user")
	assert.NotContains(t, err.Error(), "customer")

	assert.True(t, IsForbidden(Check(nil, product{}, admin, actionRead)))
}

func TestPolicyFunc(t *testing.T) {
	t.Parallel()

	p := PolicyFunc(func(Resource, Subject, Action) Decision { return Allow })
	assert.Equal(t, Allow, p.Authorize(product{}, user{}, actionRead))
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "deny", Deny.String())
	assert.Equal(t, "deny", Decision(0).String())
}

func TestRoleSet(t *testing.T) {
	t.Parallel()

	a := NewRoleSet(roleAdmin, roleUser, roleAdmin)
	b := NewRoleSet(roleUser, roleOwner)

	assert.Equal(t, 2, a.Len())
	assert.True(t, a.Has(roleAdmin))
	assert.False(t, a.Has(roleOwner))
	assert.Equal(t, []Role{roleUser}, a.Intersect(b).Roles())
	assert.True(t, a.Intersects(b))
	assert.Equal(t, []Role{roleAdmin, roleOwner, roleUser}, a.Union(b).Roles())
	assert.Equal(t, "customer:c1", customer{id: "c1"}.Identifier().String())
	assert.Equal(t, "product", product{}.Identifier().String())
}
