package auth

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"breaklock/internal/config"
)

// Capabilities checked against the policy.
const (
	ObjectBreaks     = "breaks"
	ActionAdminister = "administer"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

const modelText = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.dom == "*" || r.dom == p.dom) && r.obj == p.obj && r.act == p.act
`

// Authorizer maps identity-provider roles to the admin capability per tenant.
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

func NewAuthorizer(grants []config.RoleGrant) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz enforcer: %w", err)
	}
	for _, g := range grants {
		if _, err := enforcer.AddPolicy(SubjectFromRole(g.Role), g.Tenant, ObjectBreaks, ActionAdminister); err != nil {
			return nil, fmt.Errorf("authz grant %s/%s: %w", g.Role, g.Tenant, err)
		}
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// IsAdmin reports whether any of roles may administer breaks in tenantID.
func (a *Authorizer) IsAdmin(tenantID string, roles []string) (bool, error) {
	for _, role := range roles {
		ok, err := a.enforcer.Enforce(SubjectFromRole(role), tenantID, ObjectBreaks, ActionAdminister)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
