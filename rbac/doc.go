/*
Package rbac implements role-based access control over two role dimensions.

Global roles are held by a subject independently of any resource. Resource
roles are held with respect to a single resource instance, such as the owner
of one record. Each resource states, per action, which roles of each
dimension may perform it.

Three policies share the Policy contract:

  - GlobalPolicy: allow when the subject's global roles meet the action's global roles.
  - ResourcePolicy: allow when the subject's roles on this instance meet the action's resource roles.
  - LayeredPolicy: resource roles first when the resource declares a
    resource-scoped requirement for the action, global roles otherwise.

An empty allowed set means nobody, and a subject without roles is never
allowed. Policies never panic: a nil resource or subject is a Deny.

Rules may be written in code or loaded from YAML with LoadTable. Grants keeps
resource-scoped role assignments, and Authorizer evaluates a policy with
logging and prometheus metrics.
*/
package rbac
