package rbac

import "fmt"

// Identifier names one resource instance.
type Identifier struct {
	Type string
	ID   string
}

func (i Identifier) String() string {
	if i.ID == "" {
		return i.Type
	}
	return fmt.Sprintf("%s:%s", i.Type, i.ID)
}

// Subject is the actor of an authorization decision.
type Subject interface {
	GlobalRoles() RoleSet
}

// ScopedSubject is a subject that may hold roles on individual resources,
// such as being the owner of one record.
type ScopedSubject interface {
	Subject
	ResourceRoles(res Resource) RoleSet
}

// Resource is the object being protected.
type Resource interface {
	Identifier() Identifier
	// Actions lists the actions the resource supports. Any other action is denied.
	Actions() []Action
	// AllowedGlobalRoles returns the global roles permitted to perform action.
	AllowedGlobalRoles(action Action) RoleSet
}

// ScopedResource is a resource that also grants actions to resource-scoped roles.
type ScopedResource interface {
	Resource
	// AllowedResourceRoles returns the resource-scoped roles permitted to
	// perform action. declared is false when the resource states no
	// resource-scoped requirement for action, in which case the decision
	// falls back to global roles.
	AllowedResourceRoles(action Action) (roles RoleSet, declared bool)
}
