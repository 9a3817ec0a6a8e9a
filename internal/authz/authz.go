package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/policy"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ParseMode accepts enforce|shadow|disabled; empty means enforce
func ParseMode(raw string) (Mode, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow, ModeDisabled:
		return Mode(raw), nil
	default:
		return "", errors.New("authz: invalid mode (expected enforce|shadow|disabled)")
	}
}

// Roles known to the vault
const (
	RoleAutomatedPolicy = "automated-policy"
	RolePolicyAdmin     = "policy-admin"
	RoleRebalancer      = "rebalancer"
	RoleVaultAdmin      = "vault-admin"
)

// Action is an object/verb pair checked against the role policy
type Action struct {
	Object string
	Verb   string
}

func (a Action) String() string { return a.Object + "." + a.Verb }

var (
	AddConstraint        = Action{"constraint", "add"}
	UpdateConstraint     = Action{"constraint", "update"}
	DeactivateConstraint = Action{"constraint", "deactivate"}
	UpdatePortfolio      = Action{"portfolio", "update"}
	UpdateExposure       = Action{"portfolio", "update_exposure"}
	StartRebalancing     = Action{"rebalance", "start"}
	CompleteRebalancing  = Action{"rebalance", "complete"}
	AbortRebalancing     = Action{"rebalance", "abort"}
	UpdateTotalAssets    = Action{"total_assets", "update"}
	SetPolicyManager     = Action{"policy_manager", "set"}
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var defaultPermissions = map[string][]Action{
	RoleAutomatedPolicy: {AddConstraint, UpdateConstraint, UpdatePortfolio, UpdateExposure},
	RolePolicyAdmin:     {DeactivateConstraint},
	RoleRebalancer:      {StartRebalancing, CompleteRebalancing, UpdateTotalAssets},
	RoleVaultAdmin:      {SetPolicyManager, AbortRebalancing},
}

// rolePrefix marks casbin subjects that name a role rather than an actor
const rolePrefix = "role:"

// SubjectFromRole maps a role name to its casbin subject
func SubjectFromRole(role string) string {
	return rolePrefix + strings.TrimSpace(strings.ToLower(role))
}

// isRoleSubject reports whether actor would be read as a role subject. The
// role manager links every subject to itself, so such an actor would hold
// the role without a grant.
func isRoleSubject(actor string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(actor)), rolePrefix)
}

// Authorizer checks actor capabilities with a casbin RBAC enforcer
type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

// New builds an authorizer with the built-in role permissions. When
// policyPath is set, extra p/g lines are loaded from that CSV file.
func New(grants map[string][]string, policyPath string, mode Mode) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz model: %w", err)
	}

	var enforcer *casbin.Enforcer
	if policyPath != "" {
		enforcer, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("authz enforcer: %w", err)
	}
	enforcer.EnableAutoSave(false)

	for role, actions := range defaultPermissions {
		for _, a := range actions {
			if _, err := enforcer.AddPolicy(SubjectFromRole(role), a.Object, a.Verb); err != nil {
				return nil, fmt.Errorf("authz policy %s: %w", role, err)
			}
		}
	}

	a := &Authorizer{enforcer: enforcer, mode: mode}
	for actor, roles := range grants {
		for _, role := range roles {
			if err := a.Grant(actor, role); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// Grant assigns role to actor
func (a *Authorizer) Grant(actor, role string) error {
	if strings.TrimSpace(actor) == "" {
		return errors.New("authz: actor is required")
	}
	if isRoleSubject(actor) {
		return fmt.Errorf("authz: actor %q uses the reserved %q prefix", actor, rolePrefix)
	}
	if _, err := a.enforcer.AddGroupingPolicy(actor, SubjectFromRole(role)); err != nil {
		return fmt.Errorf("authz grant %s to %s: %w", role, actor, err)
	}
	return nil
}

// RolesOf lists the roles granted to actor
func (a *Authorizer) RolesOf(actor string) []string {
	subjects, err := a.enforcer.GetRolesForUser(actor)
	if err != nil {
		return nil
	}
	roles := make([]string, 0, len(subjects))
	for _, s := range subjects {
		roles = append(roles, strings.TrimPrefix(s, rolePrefix))
	}
	return roles
}

// Authorize returns a typed UNAUTHORIZED error when actor may not perform
// action. In shadow mode denials are only logged.
func (a *Authorizer) Authorize(actor string, action Action) error {
	if a.mode == ModeDisabled {
		return nil
	}

	ok := false
	if !isRoleSubject(actor) {
		var err error
		ok, err = a.enforcer.Enforce(actor, action.Object, action.Verb)
		if err != nil {
			return fmt.Errorf("authz enforce: %w", err)
		}
	}
	if ok {
		return nil
	}

	if a.mode == ModeShadow {
		log.Warn().Str("actor", actor).Str("action", action.String()).Msg("Authorization denied (shadow mode)")
		return nil
	}
	return &policy.Error{
		Code:    policy.CodeUnauthorized,
		Message: fmt.Sprintf("%q may not perform %s", actor, action),
		Details: map[string]interface{}{"actor": actor, "action": action.String()},
	}
}
