package tests

import (
	"testing"
)

func TestPolicyActivationVersioning(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("clinica-sul")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Joana")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.activatePolicy(patientId, map[string]interface{}{"default_region": "BR"})
	if err != nil {
		t.Fatal(err)
	}
	if res["version"].(float64) != 1 {
		t.Fatalf("first policy should be version 1, got %v", res)
	}

	res, err = admin.activatePolicy(patientId, map[string]interface{}{
		"default_region": "DE",
		"overrides":      []map[string]string{{"category_code": "cereals", "preferred_source": "USDA"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res["version"].(float64) != 2 {
		t.Fatalf("second policy should be version 2, got %v", res)
	}

	// Only the newest version stays active.
	active, err := admin.activePolicy(patientId)
	if err != nil {
		t.Fatal(err)
	}
	if active.Version != 2 || active.DefaultRegion != "DE" || len(active.Overrides) != 1 {
		t.Fatalf("unexpected active policy %v", active)
	}
}

func TestPolicyActivationValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("clinica-norte")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Rafael")
	if err != nil {
		t.Fatal(err)
	}

	_, err = admin.activatePolicy(patientId, map[string]interface{}{"default_region": "FR"})
	if !statusError(err, 422) {
		t.Fatalf("unsupported region should be rejected: %v", err)
	}

	_, err = admin.activatePolicy(patientId, map[string]interface{}{
		"default_region": "BR",
		"overrides": []map[string]string{
			{"category_code": "cereals", "preferred_source": "USDA"},
			{"category_code": "cereals", "preferred_source": "BLS"},
		},
	})
	if !statusError(err, 409) {
		t.Fatalf("duplicate category overrides should conflict: %v", err)
	}

	_, err = admin.activatePolicy(patientId, map[string]interface{}{
		"default_region": "BR",
		"overrides":      []map[string]string{{"category_code": "", "preferred_source": "USDA"}},
	})
	if !statusError(err, 422) {
		t.Fatalf("override without category should be rejected: %v", err)
	}
}

func TestPolicyResolution(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("clinica-leste")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Marina")
	if err != nil {
		t.Fatal(err)
	}

	riceId, err := admin.createFood("Arroz integral", "cereals", nil)
	if err != nil {
		t.Fatal(err)
	}
	beefId, err := admin.createFood("Patinho moído", "meat", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = admin.resolveSource(patientId, riceId)
	if !statusError(err, 404) {
		t.Fatalf("resolve without an active policy should 404: %v", err)
	}

	// Region default applies when no override matches.
	_, err = admin.activatePolicy(patientId, map[string]interface{}{"default_region": "BR"})
	if err != nil {
		t.Fatal(err)
	}

	source, err := admin.resolveSource(patientId, riceId)
	if err != nil {
		t.Fatal(err)
	}
	if source != "TACO" {
		t.Fatalf("BR default should resolve to TACO, got %v", source)
	}

	// A category override wins over the region default.
	_, err = admin.activatePolicy(patientId, map[string]interface{}{
		"default_region": "BR",
		"overrides":      []map[string]string{{"category_code": "cereals", "preferred_source": "USDA"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	source, err = admin.resolveSource(patientId, riceId)
	if err != nil {
		t.Fatal(err)
	}
	if source != "USDA" {
		t.Fatalf("override should resolve to USDA, got %v", source)
	}

	source, err = admin.resolveSource(patientId, beefId)
	if err != nil {
		t.Fatal(err)
	}
	if source != "TACO" {
		t.Fatalf("non overridden category should keep the region default, got %v", source)
	}

	// The allowed list constrains the resolved source.
	_, err = admin.activatePolicy(patientId, map[string]interface{}{
		"default_region":  "BR",
		"allowed_sources": "TACO,BLS",
		"overrides":       []map[string]string{{"category_code": "cereals", "preferred_source": "USDA"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = admin.resolveSource(patientId, riceId)
	if !statusError(err, 422) {
		t.Fatalf("source outside the allowed list should be rejected: %v", err)
	}

	source, err = admin.resolveSource(patientId, beefId)
	if err != nil {
		t.Fatal(err)
	}
	if source != "TACO" {
		t.Fatalf("allowed region default should still resolve, got %v", source)
	}
}

func TestPolicyIsStaffOnly(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("clinica-oeste")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "tiago")
	if err != nil {
		t.Fatal(err)
	}

	_, err = portal.activatePolicy(patientId, map[string]interface{}{"default_region": "BR"})
	if !statusError(err, 403) {
		t.Fatalf("patients cannot activate policies: %v", err)
	}

	_, err = portal.activePolicy(patientId)
	if !statusError(err, 403) {
		t.Fatalf("patients cannot read policies: %v", err)
	}
}

func TestPolicyUnknownPatient(t *testing.T) {
	env := setupTestEnv(t)

	studioA, err := env.newStudio("clinica-a")
	if err != nil {
		t.Fatal(err)
	}
	studioB, err := env.newStudio("clinica-b")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := studioA.createPatient("Helena")
	if err != nil {
		t.Fatal(err)
	}

	// Another studio cannot see the patient at all.
	_, err = studioB.activatePolicy(patientId, map[string]interface{}{"default_region": "BR"})
	if !statusError(err, 404) {
		t.Fatalf("cross tenant policy activation should 404: %v", err)
	}
}
