package auth

import (
	"fmt"
	"net/http"

	"nutristudio_platform/studio/schema"
)

type Resource string

const (
	ResourcePatient      Resource = "patient"
	ResourcePlan         Resource = "plan"
	ResourceConsultation Resource = "consultation"
	ResourceDataset      Resource = "dataset"
	ResourceAudit        Resource = "audit"
	ResourceTenant       Resource = "tenant"
	ResourcePolicy       Resource = "policy"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionPublish Action = "publish"
	ActionExport  Action = "export"
)

func AllResources() []Resource {
	return []Resource{
		ResourcePatient, ResourcePlan, ResourceConsultation,
		ResourceDataset, ResourceAudit, ResourceTenant, ResourcePolicy,
	}
}

func AllActions() []Action {
	return []Action{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionApprove, ActionPublish, ActionExport,
	}
}

var (
	clinicalStaff = []schema.Role{schema.RoleOwner, schema.RoleTenantAdmin, schema.RoleTeam}
	adminsOnly    = []schema.Role{schema.RoleOwner, schema.RoleTenantAdmin}
	ownerOnly     = []schema.Role{schema.RoleOwner}
)

// grants maps (resource, action) to the roles allowed to perform it. Any pair
// not present is denied for every role, there is no implicit grant.
var grants = map[Resource]map[Action][]schema.Role{
	ResourcePatient: {
		ActionCreate: clinicalStaff,
		ActionRead:   append(clinicalStaff, schema.RolePatient),
		ActionUpdate: clinicalStaff,
		ActionDelete: adminsOnly,
		ActionExport: append(clinicalStaff, schema.RolePatient),
	},
	ResourcePlan: {
		ActionCreate:  clinicalStaff,
		ActionRead:    append(clinicalStaff, schema.RolePatient),
		ActionUpdate:  clinicalStaff,
		ActionDelete:  adminsOnly,
		ActionApprove: adminsOnly,
		ActionPublish: adminsOnly,
		ActionExport:  clinicalStaff,
	},
	ResourceConsultation: {
		ActionCreate: clinicalStaff,
		ActionRead:   clinicalStaff,
		ActionUpdate: clinicalStaff,
		ActionDelete: adminsOnly,
	},
	ResourceDataset: {
		ActionCreate:  adminsOnly,
		ActionRead:    clinicalStaff,
		ActionUpdate:  adminsOnly,
		ActionDelete:  ownerOnly,
		ActionApprove: adminsOnly,
		ActionPublish: adminsOnly,
	},
	ResourceAudit: {
		ActionRead:   ownerOnly,
		ActionExport: ownerOnly,
	},
	ResourceTenant: {
		ActionCreate: ownerOnly,
		ActionRead:   ownerOnly,
		ActionUpdate: ownerOnly,
		ActionDelete: ownerOnly,
	},
	ResourcePolicy: {
		ActionCreate: clinicalStaff,
		ActionRead:   clinicalStaff,
		ActionUpdate: clinicalStaff,
		ActionDelete: adminsOnly,
	},
}

// Can reports whether the role may perform the action on the resource.
// Default deny: unknown roles, actions, or resources always return false.
func Can(role schema.Role, action Action, resource Resource) bool {
	actions, ok := grants[resource]
	if !ok {
		return false
	}
	roles, ok := actions[action]
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// ExpectedGrants returns every (resource, action) pair that must have at least
// one role granted. The integrity checks use this to detect gaps in the
// matrix.
func ExpectedGrants() map[Resource][]Action {
	expected := make(map[Resource][]Action, len(grants))
	for resource, actions := range grants {
		for action := range actions {
			expected[resource] = append(expected[resource], action)
		}
	}
	return expected
}

// GrantedRoles returns the roles allowed for the pair, nil when the pair has
// no grant.
func GrantedRoles(action Action, resource Resource) []schema.Role {
	actions, ok := grants[resource]
	if !ok {
		return nil
	}
	return actions[action]
}

// AdminOnly restricts a route to tenant admins and the platform owner.
func AdminOnly() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if user.Role != schema.RoleOwner && user.Role != schema.RoleTenantAdmin {
				http.Error(w, fmt.Sprintf("user %v does not have admin permissions", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// RequirePermission rejects requests whose authenticated user's role is not
// granted (action, resource). It must run after the auth middleware which
// loads the user into the request context.
func RequirePermission(action Action, resource Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !Can(user.Role, action, resource) {
				http.Error(w, fmt.Sprintf("role %v is not allowed to %v %v", user.Role, action, resource), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}
