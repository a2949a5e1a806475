package rbac

import "sync"

// Principal is a gob-encodable subject suitable for storing in a session.
type Principal struct {
	ID    string
	Name  string
	Roles []Role
}

func (p Principal) GlobalRoles() RoleSet {
	return NewRoleSet(p.Roles...)
}

func (p Principal) SubjectID() string {
	return p.ID
}

// Identified is a subject with a stable identifier that Grants can key on.
type Identified interface {
	Subject
	SubjectID() string
}

type grantKey struct {
	subject  string
	resource Identifier
}

// Grants records resource-scoped roles per subject and resource instance.
// It is safe for concurrent use.
type Grants struct {
	mu     sync.RWMutex
	grants map[grantKey]RoleSet
}

func NewGrants() *Grants {
	return &Grants{grants: make(map[grantKey]RoleSet)}
}

// Grant gives subjectID roles on res.
func (g *Grants) Grant(subjectID string, res Identifier, roles ...Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := grantKey{subject: subjectID, resource: res}
	g.grants[k] = g.grants[k].Union(NewRoleSet(roles...))
}

// Revoke removes roles from subjectID on res. Without roles, every role is removed.
func (g *Grants) Revoke(subjectID string, res Identifier, roles ...Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := grantKey{subject: subjectID, resource: res}
	if len(roles) == 0 {
		delete(g.grants, k)
		return
	}
	set, ok := g.grants[k]
	if !ok {
		return
	}
	for _, r := range roles {
		delete(set, r)
	}
	if len(set) == 0 {
		delete(g.grants, k)
	}
}

// Roles returns a copy of the roles subjectID holds on res.
func (g *Grants) Roles(subjectID string, res Identifier) RoleSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return NewRoleSet().Union(g.grants[grantKey{subject: subjectID, resource: res}])
}

// Bind returns subj extended with the resource-scoped roles recorded in g.
func (g *Grants) Bind(subj Identified) ScopedSubject {
	return boundSubject{Identified: subj, grants: g}
}

type boundSubject struct {
	Identified
	grants *Grants
}

func (b boundSubject) ResourceRoles(res Resource) RoleSet {
	if res == nil {
		return NewRoleSet()
	}
	return b.grants.Roles(b.SubjectID(), res.Identifier())
}

var (
	_ Identified    = Principal{}
	_ ScopedSubject = boundSubject{}
)
