package tests

import (
	"testing"
)

func TestFoodCatalogAndSearch(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("equilibrio")
	if err != nil {
		t.Fatal(err)
	}

	riceId, err := admin.createFood("Arroz branco cozido", "cereals", []string{"arroz", "arroz cozido"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = admin.createFood("Feijão carioca", "legumes", []string{"feijao"})
	if err != nil {
		t.Fatal(err)
	}

	foods, err := admin.searchFoods("arroz")
	if err != nil {
		t.Fatal(err)
	}
	if len(foods) != 1 || foods[0].Id.String() != riceId {
		t.Fatalf("alias search should find the rice entry, got %v", foods)
	}

	foods, err = admin.searchFoods("Feij")
	if err != nil {
		t.Fatal(err)
	}
	if len(foods) != 1 || foods[0].Name != "Feijão carioca" {
		t.Fatalf("name prefix search failed, got %v", foods)
	}

	foods, err = admin.searchFoods("")
	if err != nil {
		t.Fatal(err)
	}
	if len(foods) != 2 {
		t.Fatalf("empty query should list all foods, got %v", foods)
	}

	// TEAM users can read the catalog but not write it.
	staff, err := env.newStaff(admin, "bruna")
	if err != nil {
		t.Fatal(err)
	}

	_, err = staff.searchFoods("arroz")
	if err != nil {
		t.Fatal(err)
	}

	_, err = staff.createFood("Banana prata", "fruits", nil)
	if !statusError(err, 403) {
		t.Fatalf("staff cannot create foods: %v", err)
	}
}

func TestReleaseLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("balance")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := admin.createFood("Peito de frango grelhado", "meat", nil)
	if err != nil {
		t.Fatal(err)
	}

	releaseId, err := admin.createRelease("TACO v7.1")
	if err != nil {
		t.Fatal(err)
	}

	// No published release yet.
	if _, err := admin.currentRelease(); !statusError(err, 404) {
		t.Fatalf("current release should 404 before publish: %v", err)
	}

	// Drafts with no rows cannot be published.
	if err := admin.publishRelease(releaseId); !statusError(err, 422) {
		t.Fatalf("publishing an empty release should fail: %v", err)
	}

	rows := []nutrientRow{{FoodId: foodId, Nutrients: map[string]float64{
		"kcal": 159.0, "protein_g": 32.0, "carbs_g": 0.0, "fat_g": 2.5,
	}}}
	if err := admin.addNutrients(releaseId, rows); err != nil {
		t.Fatal(err)
	}

	if err := admin.publishRelease(releaseId); err != nil {
		t.Fatal(err)
	}

	current, err := admin.currentRelease()
	if err != nil {
		t.Fatal(err)
	}
	if current.Id.String() != releaseId || current.Status != "published" || current.PublishedAt == nil {
		t.Fatalf("unexpected current release %v", current)
	}

	// Publish is one way.
	if err := admin.publishRelease(releaseId); !statusError(err, 400) {
		t.Fatalf("double publish should fail: %v", err)
	}

	// Published releases are frozen.
	if err := admin.addNutrients(releaseId, rows); !statusError(err, 409) {
		t.Fatalf("writes to a published release should conflict: %v", err)
	}

	// A newer published release becomes the current one.
	nextId, err := admin.createRelease("TACO v7.2")
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.addNutrients(nextId, rows); err != nil {
		t.Fatal(err)
	}
	if err := admin.publishRelease(nextId); err != nil {
		t.Fatal(err)
	}

	current, err = admin.currentRelease()
	if err != nil {
		t.Fatal(err)
	}
	if current.Id.String() != nextId {
		t.Fatalf("newest published release should be current, got %v", current)
	}
}

func TestReleaseTenantIsolation(t *testing.T) {
	env := setupTestEnv(t)

	studioA, err := env.newStudio("nutri-a")
	if err != nil {
		t.Fatal(err)
	}
	studioB, err := env.newStudio("nutri-b")
	if err != nil {
		t.Fatal(err)
	}

	releaseId, err := studioA.createRelease("BLS 3.02")
	if err != nil {
		t.Fatal(err)
	}

	if err := studioB.publishRelease(releaseId); !statusError(err, 404) {
		t.Fatalf("another studio's release should be invisible: %v", err)
	}

	foodId, err := studioA.createFood("Aveia em flocos", "cereals", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = studioB.addNutrients(releaseId, []nutrientRow{{FoodId: foodId, Nutrients: map[string]float64{"kcal": 394}}})
	if !statusError(err, 404) {
		t.Fatalf("cross tenant nutrient write should 404: %v", err)
	}
}

func TestAddNutrientsValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("vitalis")
	if err != nil {
		t.Fatal(err)
	}

	foodId, err := admin.createFood("Ovo cozido", "eggs", nil)
	if err != nil {
		t.Fatal(err)
	}
	releaseId, err := admin.createRelease("TACO v7.1")
	if err != nil {
		t.Fatal(err)
	}

	err = admin.addNutrients(releaseId, []nutrientRow{{FoodId: foodId, Nutrients: map[string]float64{"kcal": -10}}})
	if !statusError(err, 422) {
		t.Fatalf("negative nutrient values should be rejected: %v", err)
	}

	err = admin.addNutrients(releaseId, []nutrientRow{{FoodId: foodId, Nutrients: map[string]float64{"caffeine_mg": 1}}})
	if !statusError(err, 422) {
		t.Fatalf("unknown nutrient keys should be rejected: %v", err)
	}
}
