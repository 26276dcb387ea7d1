package tests

import (
	"strings"
	"testing"
)

func TestPlanPublishRequiresLatestVersion(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("atual")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Bento")
	if err != nil {
		t.Fatal(err)
	}
	planId, err := admin.createPlan(patientId)
	if err != nil {
		t.Fatal(err)
	}

	v1, err := admin.createPlanVersion(planId, "1600 kcal")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := admin.createPlanVersion(planId, "1900 kcal")
	if err != nil {
		t.Fatal(err)
	}

	// The superseded draft can no longer be published.
	err = admin.publishPlanVersion(planId, v1.VersionId)
	if !statusError(err, 400) || !strings.Contains(err.Error(), "mais recente") {
		t.Fatalf("publishing a superseded draft should fail: %v", err)
	}

	if err := admin.publishPlanVersion(planId, v2.VersionId); err != nil {
		t.Fatal(err)
	}

	current, err := admin.currentPlanVersion(patientId)
	if err != nil {
		t.Fatal(err)
	}
	if current.VersionNo != 2 {
		t.Fatalf("expected version 2 to be current, got %v", current)
	}
}

func TestPlanLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("plena")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Sofia")
	if err != nil {
		t.Fatal(err)
	}

	planId, err := admin.createPlan(patientId)
	if err != nil {
		t.Fatal(err)
	}

	// One plan per patient.
	_, err = admin.createPlan(patientId)
	if !statusError(err, 409) {
		t.Fatalf("second plan for a patient should conflict: %v", err)
	}

	v1, err := admin.createPlanVersion(planId, "1800 kcal, 4 refeições")
	if err != nil {
		t.Fatal(err)
	}
	if v1.VersionNo != 1 {
		t.Fatalf("first version should be 1, got %v", v1)
	}

	v2, err := admin.createPlanVersion(planId, "2000 kcal, 5 refeições")
	if err != nil {
		t.Fatal(err)
	}
	if v2.VersionNo != 2 {
		t.Fatalf("second version should be 2, got %v", v2)
	}

	// Drafts are editable.
	if err := admin.updatePlanVersion(planId, v2.VersionId, "2000 kcal, 5 refeições, low fodmap"); err != nil {
		t.Fatal(err)
	}

	if err := admin.approvePlanVersion(planId, v2.VersionId); err != nil {
		t.Fatal(err)
	}
	if err := admin.approvePlanVersion(planId, v2.VersionId); !statusError(err, 409) {
		t.Fatalf("double approval should conflict: %v", err)
	}

	if err := admin.publishPlanVersion(planId, v2.VersionId); err != nil {
		t.Fatal(err)
	}

	// Publication is terminal.
	err = admin.publishPlanVersion(planId, v2.VersionId)
	if !statusError(err, 400) || !strings.Contains(err.Error(), "já publicada") {
		t.Fatalf("double publish should fail: %v", err)
	}
	if err := admin.updatePlanVersion(planId, v2.VersionId, "edit after publish"); !statusError(err, 409) {
		t.Fatalf("published versions are frozen: %v", err)
	}
	if err := admin.approvePlanVersion(planId, v2.VersionId); !statusError(err, 409) {
		t.Fatalf("published versions cannot be approved again: %v", err)
	}

	versions, err := admin.listPlanVersions(planId)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].Status != "draft" || versions[1].Status != "published" {
		t.Fatalf("unexpected versions %v", versions)
	}
	if versions[1].Content != "2000 kcal, 5 refeições, low fodmap" {
		t.Fatalf("update before publish was lost: %v", versions[1])
	}

	current, err := admin.currentPlanVersion(patientId)
	if err != nil {
		t.Fatal(err)
	}
	if current.Id != v2.VersionId || current.VersionNo != 2 {
		t.Fatalf("unexpected current version %v", current)
	}
}

func TestPlanPublishWithoutApproval(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("viva")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Mateus")
	if err != nil {
		t.Fatal(err)
	}
	planId, err := admin.createPlan(patientId)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := admin.createPlanVersion(planId, "cutting, 1600 kcal")
	if err != nil {
		t.Fatal(err)
	}

	// Publishing an unapproved draft records the publisher's approval in the
	// same transaction.
	if err := admin.publishPlanVersion(planId, v1.VersionId); err != nil {
		t.Fatal(err)
	}

	current, err := admin.currentPlanVersion(patientId)
	if err != nil {
		t.Fatal(err)
	}
	if current.Id != v1.VersionId || current.Status != "published" {
		t.Fatalf("unexpected current version %v", current)
	}
}

func TestPlanCurrentForPatient(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("raiz")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "duda")
	if err != nil {
		t.Fatal(err)
	}
	_, otherPortal, err := env.newPatientWithPortal(admin, "enzo")
	if err != nil {
		t.Fatal(err)
	}

	// No plan yet.
	_, err = portal.currentPlanVersion(patientId)
	if !statusError(err, 404) {
		t.Fatalf("missing plan should 404: %v", err)
	}

	planId, err := admin.createPlan(patientId)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := admin.createPlanVersion(planId, "manutenção, 2200 kcal")
	if err != nil {
		t.Fatal(err)
	}

	// Drafts are not visible to the patient.
	_, err = portal.currentPlanVersion(patientId)
	if !statusError(err, 404) {
		t.Fatalf("unpublished plan should 404: %v", err)
	}

	if err := admin.publishPlanVersion(planId, v1.VersionId); err != nil {
		t.Fatal(err)
	}

	current, err := portal.currentPlanVersion(patientId)
	if err != nil {
		t.Fatal(err)
	}
	if current.Id != v1.VersionId {
		t.Fatalf("unexpected current version %v", current)
	}

	// Patients only see their own plan.
	_, err = otherPortal.currentPlanVersion(patientId)
	if !statusError(err, 404) {
		t.Fatalf("cross patient plan read should 404: %v", err)
	}
}

func TestPlanPermissions(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("forma")
	if err != nil {
		t.Fatal(err)
	}

	staff, err := env.newStaff(admin, "diego")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Laura")
	if err != nil {
		t.Fatal(err)
	}

	// TEAM creates and edits plans but cannot approve or publish.
	planId, err := staff.createPlan(patientId)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := staff.createPlanVersion(planId, "bulking, 2800 kcal")
	if err != nil {
		t.Fatal(err)
	}

	if err := staff.approvePlanVersion(planId, v1.VersionId); !statusError(err, 403) {
		t.Fatalf("staff cannot approve: %v", err)
	}
	if err := staff.publishPlanVersion(planId, v1.VersionId); !statusError(err, 403) {
		t.Fatalf("staff cannot publish: %v", err)
	}

	if err := admin.publishPlanVersion(planId, v1.VersionId); err != nil {
		t.Fatal(err)
	}
}

func TestPlanTenantIsolation(t *testing.T) {
	env := setupTestEnv(t)

	studioA, err := env.newStudio("studio-um")
	if err != nil {
		t.Fatal(err)
	}
	studioB, err := env.newStudio("studio-dois")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := studioA.createPatient("Igor")
	if err != nil {
		t.Fatal(err)
	}
	planId, err := studioA.createPlan(patientId)
	if err != nil {
		t.Fatal(err)
	}

	_, err = studioB.createPlanVersion(planId, "stolen plan")
	if !statusError(err, 404) {
		t.Fatalf("cross tenant plan access should 404: %v", err)
	}

	_, err = studioB.listPlanVersions(planId)
	if !statusError(err, 404) {
		t.Fatalf("cross tenant version list should 404: %v", err)
	}
}
