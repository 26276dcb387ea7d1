package auth

import (
	"testing"

	"nutristudio_platform/studio/schema"
)

func TestDefaultDeny(t *testing.T) {
	if Can(schema.RolePatient, ActionDelete, ResourceTenant) {
		t.Fatal("patients must not delete tenants")
	}
	if Can(schema.RoleTeam, ActionPublish, ResourceTenant) {
		t.Fatal("no grant exists for publishing tenants")
	}
	if Can(schema.Role("SUPERUSER"), ActionRead, ResourcePatient) {
		t.Fatal("unknown roles must be denied")
	}
	if Can(schema.RoleOwner, Action("impersonate"), ResourcePatient) {
		t.Fatal("unknown actions must be denied")
	}
	if Can(schema.RoleOwner, ActionRead, Resource("billing")) {
		t.Fatal("unknown resources must be denied")
	}
}

func TestOwnerGrants(t *testing.T) {
	if !Can(schema.RoleOwner, ActionRead, ResourceTenant) {
		t.Fatal("owner must read tenants")
	}
	if !Can(schema.RoleOwner, ActionRead, ResourceAudit) {
		t.Fatal("owner must read audit data")
	}
	if Can(schema.RoleTenantAdmin, ActionRead, ResourceTenant) {
		t.Fatal("tenant admins must not read the cross-tenant resource")
	}
}

func TestPlanPublishGrants(t *testing.T) {
	for _, role := range []schema.Role{schema.RoleOwner, schema.RoleTenantAdmin} {
		if !Can(role, ActionPublish, ResourcePlan) {
			t.Fatalf("role %v must publish plans", role)
		}
	}
	for _, role := range []schema.Role{schema.RoleTeam, schema.RolePatient} {
		if Can(role, ActionPublish, ResourcePlan) {
			t.Fatalf("role %v must not publish plans", role)
		}
	}
}

func TestPatientSelfServiceGrants(t *testing.T) {
	if !Can(schema.RolePatient, ActionRead, ResourcePatient) {
		t.Fatal("patients read their own record")
	}
	if !Can(schema.RolePatient, ActionExport, ResourcePatient) {
		t.Fatal("patients export their own diary")
	}
	if Can(schema.RolePatient, ActionUpdate, ResourcePatient) {
		t.Fatal("patients must not update patient records directly")
	}
}

func TestEveryGrantHasRoles(t *testing.T) {
	for resource, actions := range ExpectedGrants() {
		for _, action := range actions {
			if len(GrantedRoles(action, resource)) == 0 {
				t.Fatalf("empty grant for (%v, %v)", resource, action)
			}
		}
	}
}
