package tests

import (
	"math"
	"strings"
	"testing"
	"time"
)

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}

func yesterdayUTC() string {
	return time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

func TestDiaryFlow(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("bem-estar")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "lucia")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	item, err := portal.addDiaryItem(patientId, todayUTC(), "breakfast", foodId, 150)
	if err != nil {
		t.Fatal(err)
	}
	if item.Source != "TACO" {
		t.Fatalf("BR policy should snapshot from TACO, got %v", item.Source)
	}

	_, err = portal.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 100)
	if err != nil {
		t.Fatal(err)
	}

	day, err := portal.getDiaryDay(patientId, todayUTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(day.Meals) != 2 {
		t.Fatalf("expected breakfast and lunch, got %v", day.Meals)
	}

	// Seeded rice is 128.3 kcal, 2.5g protein per 100g. 150g scales to
	// 192.45 kcal and 3.75g protein.
	breakfast := day.Meals[0]
	if breakfast.MealType != "breakfast" || len(breakfast.Items) != 1 {
		t.Fatalf("unexpected breakfast %v", breakfast)
	}
	if !approx(breakfast.Totals["kcal"], 192.45) || !approx(breakfast.Totals["protein_g"], 3.75) {
		t.Fatalf("unexpected breakfast totals %v", breakfast.Totals)
	}

	if !approx(day.Totals["kcal"], 320.75) || !approx(day.Totals["protein_g"], 6.25) {
		t.Fatalf("unexpected day totals %v", day.Totals)
	}

	// Adding to the same slot reuses the meal.
	again, err := portal.addDiaryItem(patientId, todayUTC(), "breakfast", foodId, 50)
	if err != nil {
		t.Fatal(err)
	}
	if again.MealId != breakfast.Id {
		t.Fatal("same slot should reuse the existing meal")
	}

	if err := portal.deleteDiaryItem(patientId, again.ItemId); err != nil {
		t.Fatal(err)
	}

	day, err = portal.getDiaryDay(patientId, todayUTC())
	if err != nil {
		t.Fatal(err)
	}
	if !approx(day.Totals["kcal"], 320.75) {
		t.Fatalf("delete should restore previous totals, got %v", day.Totals)
	}
}

func TestDiarySameDayRule(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("nutrir")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "paulo")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	// Patients write today only.
	_, err = portal.addDiaryItem(patientId, yesterdayUTC(), "dinner", foodId, 100)
	if !statusError(err, 403) {
		t.Fatalf("patient backfill should be forbidden: %v", err)
	}

	// Staff backfill any date.
	item, err := admin.addDiaryItem(patientId, yesterdayUTC(), "dinner", foodId, 100)
	if err != nil {
		t.Fatal(err)
	}

	// Patients cannot delete past entries, staff can.
	if err := portal.deleteDiaryItem(patientId, item.ItemId); !statusError(err, 403) {
		t.Fatalf("patient delete of a past entry should be forbidden: %v", err)
	}
	if err := admin.deleteDiaryItem(patientId, item.ItemId); err != nil {
		t.Fatal(err)
	}
}

func TestDiaryAccessControl(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("corpore")
	if err != nil {
		t.Fatal(err)
	}

	patientId, _, err := env.newPatientWithPortal(admin, "ana")
	if err != nil {
		t.Fatal(err)
	}
	_, otherPortal, err := env.newPatientWithPortal(admin, "beto")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	// One patient cannot touch another patient's diary, the mismatch reads
	// as not found.
	_, err = otherPortal.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 100)
	if !statusError(err, 404) {
		t.Fatalf("cross patient diary write should 404: %v", err)
	}

	_, err = otherPortal.getDiaryDay(patientId, todayUTC())
	if !statusError(err, 404) {
		t.Fatalf("cross patient diary read should 404: %v", err)
	}
}

func TestDiarySnapshotImmutability(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("essencia")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "vera")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	first, err := portal.addDiaryItem(patientId, todayUTC(), "breakfast", foodId, 100)
	if err != nil {
		t.Fatal(err)
	}

	// Publish a revised release with different values for the same food.
	nextId, err := admin.createRelease("TACO v7.2")
	if err != nil {
		t.Fatal(err)
	}
	err = admin.addNutrients(nextId, []nutrientRow{{FoodId: foodId, Nutrients: map[string]float64{
		"kcal": 200.0, "protein_g": 5.0, "carbs_g": 40.0, "fat_g": 1.0,
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.publishRelease(nextId); err != nil {
		t.Fatal(err)
	}

	// The old entry keeps its frozen values.
	day, err := portal.getDiaryDay(patientId, todayUTC())
	if err != nil {
		t.Fatal(err)
	}
	if !approx(day.Meals[0].Items[0].Nutrients["kcal"], 128.3) {
		t.Fatalf("existing snapshot must not change, got %v", day.Meals[0].Items[0].Nutrients)
	}

	// New entries snapshot from the new release.
	second, err := portal.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 100)
	if err != nil {
		t.Fatal(err)
	}
	if second.SnapshotId == first.SnapshotId {
		t.Fatal("each item freezes its own snapshot")
	}

	day, err = portal.getDiaryDay(patientId, todayUTC())
	if err != nil {
		t.Fatal(err)
	}
	if !approx(day.Meals[1].Totals["kcal"], 200) {
		t.Fatalf("new item should use the new release, got %v", day.Meals[1].Totals)
	}
}

func TestDiaryValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("leveza")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Otto")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := admin.createFood("Batata doce cozida", "vegetables", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = admin.addDiaryItem(patientId, todayUTC(), "brunch", foodId, 100)
	if !statusError(err, 422) {
		t.Fatalf("unknown meal type should be rejected: %v", err)
	}

	_, err = admin.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 0)
	if !statusError(err, 422) {
		t.Fatalf("zero grams should be rejected: %v", err)
	}

	_, err = admin.addDiaryItem(patientId, "30-08-2026", "lunch", foodId, 100)
	if !statusError(err, 422) {
		t.Fatalf("malformed dates should be rejected: %v", err)
	}

	_, err = admin.activatePolicy(patientId, map[string]interface{}{"default_region": "BR"})
	if err != nil {
		t.Fatal(err)
	}

	// Policy is active but nothing is published.
	_, err = admin.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 100)
	if !statusError(err, 422) {
		t.Fatalf("missing published release should be rejected: %v", err)
	}

	// Publish a release without this food's nutrients.
	otherId, err := admin.createFood("Mandioca cozida", "vegetables", nil)
	if err != nil {
		t.Fatal(err)
	}
	releaseId, err := admin.createRelease("TACO v7.1")
	if err != nil {
		t.Fatal(err)
	}
	err = admin.addNutrients(releaseId, []nutrientRow{{FoodId: otherId, Nutrients: map[string]float64{"kcal": 125}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.publishRelease(releaseId); err != nil {
		t.Fatal(err)
	}

	_, err = admin.addDiaryItem(patientId, todayUTC(), "lunch", foodId, 100)
	if !statusError(err, 422) {
		t.Fatalf("food without nutrient data should be rejected: %v", err)
	}
}

func TestDiaryPolicyFallback(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("semregra")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "nara")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := admin.createFood("Pão francês", "cereals", nil)
	if err != nil {
		t.Fatal(err)
	}
	releaseId, err := admin.createRelease("TACO v7.1")
	if err != nil {
		t.Fatal(err)
	}
	err = admin.addNutrients(releaseId, []nutrientRow{{
		FoodId:    foodId,
		Nutrients: map[string]float64{"kcal": 300, "protein_g": 8, "carbs_g": 58.6, "fat_g": 3.1},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.publishRelease(releaseId); err != nil {
		t.Fatal(err)
	}

	// No policy was ever activated, the snapshot uses the platform fallback.
	item, err := portal.addDiaryItem(patientId, todayUTC(), "breakfast", foodId, 50)
	if err != nil {
		t.Fatal(err)
	}
	if item.Source != "TACO" {
		t.Fatalf("expected fallback source TACO, got '%v'", item.Source)
	}

	day, err := portal.getDiaryDay(patientId, todayUTC())
	if err != nil {
		t.Fatal(err)
	}
	if !approx(day.Totals["kcal"], 150) {
		t.Fatalf("unexpected totals: %+v", day.Totals)
	}
}

func TestDiaryCsvExport(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("harmonia")
	if err != nil {
		t.Fatal(err)
	}

	patientId, portal, err := env.newPatientWithPortal(admin, "iris")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	yesterday, today := yesterdayUTC(), todayUTC()

	if _, err := admin.addDiaryItem(patientId, yesterday, "dinner", foodId, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := portal.addDiaryItem(patientId, today, "breakfast", foodId, 150); err != nil {
		t.Fatal(err)
	}

	body, headers, err := portal.exportDiary(patientId, yesterday, today)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(headers.Get("Content-Disposition"), "diario_"+yesterday+"_"+today+".csv") {
		t.Fatalf("unexpected content disposition %v", headers.Get("Content-Disposition"))
	}
	if headers.Get("Content-Type") != "text/csv" {
		t.Fatalf("unexpected content type %v", headers.Get("Content-Type"))
	}

	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus two rows, got %v", lines)
	}
	if lines[0] != "data,refeicao,alimento,gramas,kcal,proteina_g,carbo_g,gordura_g" {
		t.Fatalf("unexpected header %v", lines[0])
	}
	if lines[1] != yesterday+",dinner,Arroz branco cozido,100.0,128,2.5,26.2,0.2" {
		t.Fatalf("unexpected row %v", lines[1])
	}
	if lines[2] != today+",breakfast,Arroz branco cozido,150.0,192,3.8,39.3,0.3" {
		t.Fatalf("unexpected row %v", lines[2])
	}

	// Export requires valid bounds.
	if _, _, err := portal.exportDiary(patientId, "bad", today); err == nil {
		t.Fatal("invalid from date should be rejected")
	}
}

func TestDiaryStaffRoleCheck(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("integra")
	if err != nil {
		t.Fatal(err)
	}

	patientId, _, err := env.newPatientWithPortal(admin, "caio")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := env.seedDataset(admin, patientId)
	if err != nil {
		t.Fatal(err)
	}

	// TEAM carries the patient update grant, so backfilling past dates works.
	staff, err := env.newStaff(admin, "renata")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := staff.addDiaryItem(patientId, yesterdayUTC(), "snack", foodId, 80); err != nil {
		t.Fatal(err)
	}
}
