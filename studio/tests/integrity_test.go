package tests

import (
	"testing"

	"nutristudio_platform/studio/schema"
)

func TestIntegrityRunPasses(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("check-ok")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Nina")
	if err != nil {
		t.Fatal(err)
	}
	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 100); err != nil {
		t.Fatal(err)
	}

	run, err := admin.runIntegrityChecks()
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != schema.RunPassed || run.Issues != 0 {
		t.Fatalf("healthy studio should pass cleanly, got %v", run)
	}

	info, err := admin.getIntegrityRun(run.RunId)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != schema.RunPassed || len(info.Issues) != 0 {
		t.Fatalf("unexpected run info %v", info)
	}
}

func TestIntegrityWarnsWithoutRelease(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("check-warn")
	if err != nil {
		t.Fatal(err)
	}

	run, err := admin.runIntegrityChecks()
	if err != nil {
		t.Fatal(err)
	}

	// A missing published release is a warning, not a failure.
	if run.Status != schema.RunPassed || run.Issues != 1 {
		t.Fatalf("expected one warning, got %v", run)
	}

	info, err := admin.getIntegrityRun(run.RunId)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Issues) != 1 || info.Issues[0].Check != "dataset_sanity" || info.Issues[0].Severity != schema.SeverityWarning {
		t.Fatalf("unexpected issues %v", info.Issues)
	}
}

func TestIntegrityFlagsKcalMacroMismatch(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("check-kcal")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := admin.createFood("Barra proteica", "snacks", nil)
	if err != nil {
		t.Fatal(err)
	}
	releaseId, err := admin.createRelease("TACO v7.1")
	if err != nil {
		t.Fatal(err)
	}
	// Macros imply roughly 106 kcal, the stated value is far off.
	err = admin.addNutrients(releaseId, []nutrientRow{{
		FoodId:    foodId,
		Nutrients: map[string]float64{"kcal": 600, "protein_g": 10, "carbs_g": 12, "fat_g": 2},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.publishRelease(releaseId); err != nil {
		t.Fatal(err)
	}

	run, err := admin.runIntegrityChecks()
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != schema.RunPassed || run.Issues != 1 {
		t.Fatalf("expected one warning, got %v", run)
	}

	info, err := admin.getIntegrityRun(run.RunId)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Issues) != 1 {
		t.Fatalf("unexpected issues %v", info.Issues)
	}
	issue := info.Issues[0]
	if issue.Check != "dataset_sanity" || issue.Severity != schema.SeverityWarning || issue.EntityId != foodId {
		t.Fatalf("unexpected issue %v", issue)
	}
}

func TestIntegrityDetectsTamperedSnapshot(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("check-fail")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Davi")
	if err != nil {
		t.Fatal(err)
	}
	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	item, err := admin.addDiaryItem(patientId, todayUTC(), "dinner", foodId, 200)
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite the frozen snapshot behind the service's back.
	result := env.db.Model(&schema.FoodNutrientSnapshot{}).
		Where("id = ?", item.SnapshotId).
		Update("nutrients", `{"kcal": 1.0}`)
	if result.Error != nil || result.RowsAffected != 1 {
		t.Fatalf("failed to tamper with snapshot: %v", result.Error)
	}

	run, err := admin.runIntegrityChecks()
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != schema.RunFailed {
		t.Fatalf("tampered snapshot should fail the run, got %v", run)
	}

	info, err := admin.getIntegrityRun(run.RunId)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, issue := range info.Issues {
		if issue.Check == "snapshot_immutability" && issue.Severity == schema.SeverityCritical && issue.EntityId == item.SnapshotId.String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical snapshot issue, got %v", info.Issues)
	}
}

func TestIntegrityAdminOnly(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("check-perm")
	if err != nil {
		t.Fatal(err)
	}

	staff, err := env.newStaff(admin, "gabi")
	if err != nil {
		t.Fatal(err)
	}

	_, err = staff.runIntegrityChecks()
	if !statusError(err, 403) {
		t.Fatalf("staff cannot run integrity checks: %v", err)
	}

	// Runs are tenant scoped.
	otherAdmin, err := env.newStudio("check-other")
	if err != nil {
		t.Fatal(err)
	}

	run, err := admin.runIntegrityChecks()
	if err != nil {
		t.Fatal(err)
	}

	_, err = otherAdmin.getIntegrityRun(run.RunId)
	if !statusError(err, 404) {
		t.Fatalf("cross tenant run read should 404: %v", err)
	}
}
