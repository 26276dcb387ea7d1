package tests

import (
	"testing"
)

func TestTenantManagement(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("gerida")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.createPatient("Alice"); err != nil {
		t.Fatal(err)
	}

	owner, err := env.ownerClient()
	if err != nil {
		t.Fatal(err)
	}

	tenants, err := owner.listTenants()
	if err != nil {
		t.Fatal(err)
	}
	// The bootstrap platform tenant plus the new studio.
	if len(tenants) != 2 {
		t.Fatalf("expected two tenants, got %v", tenants)
	}

	var found bool
	for _, tenant := range tenants {
		if tenant.Id.String() == admin.tenantId {
			found = true
			if tenant.Name != "gerida" || tenant.PlanTier != "free" || tenant.Status != "active" {
				t.Fatalf("unexpected tenant %v", tenant)
			}
			if tenant.UserCount != 1 || tenant.PatientCount != 1 {
				t.Fatalf("unexpected tenant counts %v", tenant)
			}
		}
	}
	if !found {
		t.Fatal("new studio missing from tenant list")
	}

	if err := owner.grantCredits(admin.tenantId, 25); err != nil {
		t.Fatal(err)
	}

	tenant := tenantRecord(t, env, admin.tenantId)
	if tenant.AiCredits != 25 {
		t.Fatalf("expected 25 credits, got %v", tenant.AiCredits)
	}

	// Grants accumulate.
	if err := owner.grantCredits(admin.tenantId, 5); err != nil {
		t.Fatal(err)
	}
	if tenant = tenantRecord(t, env, admin.tenantId); tenant.AiCredits != 30 {
		t.Fatalf("expected 30 credits, got %v", tenant.AiCredits)
	}

	if err := owner.grantCredits(admin.tenantId, 0); !statusError(err, 422) {
		t.Fatalf("non positive grants should be rejected: %v", err)
	}
}

func TestTenantStatus(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("pausada")
	if err != nil {
		t.Fatal(err)
	}

	owner, err := env.ownerClient()
	if err != nil {
		t.Fatal(err)
	}

	if err := owner.setTenantStatus(admin.tenantId, "suspended"); err != nil {
		t.Fatal(err)
	}
	if tenant := tenantRecord(t, env, admin.tenantId); tenant.Status != "suspended" {
		t.Fatalf("expected suspended, got %v", tenant.Status)
	}

	if err := owner.setTenantStatus(admin.tenantId, "active"); err != nil {
		t.Fatal(err)
	}
	if tenant := tenantRecord(t, env, admin.tenantId); tenant.Status != "active" {
		t.Fatalf("expected active, got %v", tenant.Status)
	}

	if err := owner.setTenantStatus(admin.tenantId, "deleted"); !statusError(err, 422) {
		t.Fatalf("only active and suspended are valid: %v", err)
	}

	if err := owner.setTenantStatus("11111111-2222-3333-4444-555555555555", "active"); !statusError(err, 404) {
		t.Fatalf("unknown tenants should 404: %v", err)
	}
}

func TestTenantRoutesAreOwnerOnly(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("limitada")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.listTenants(); !statusError(err, 403) {
		t.Fatalf("studio admins cannot list tenants: %v", err)
	}
	if err := admin.grantCredits(admin.tenantId, 10); !statusError(err, 403) {
		t.Fatalf("studio admins cannot grant credits: %v", err)
	}
	if err := admin.setTenantStatus(admin.tenantId, "active"); !statusError(err, 403) {
		t.Fatalf("studio admins cannot change status: %v", err)
	}
}
