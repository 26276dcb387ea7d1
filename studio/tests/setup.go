package tests

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nutristudio_platform/studio/aigen"
	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/studio/services"
	"nutristudio_platform/studio/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	platform *services.StudioPlatform
	api      chi.Router
	db       *gorm.DB
	storage  storage.Storage
}

const (
	ownerName     = "platform-ops"
	ownerEmail    = "owner@nutristudio.test"
	ownerPassword = "owner_password123"
)

var testWebhookSecret = []byte("whsec_47c1a9e2b8d3")

var testPlanTiers = services.PlanTierMapping{
	Plans: map[string]services.PlanTier{
		"price_basic": {Tier: "basic", AiCredits: 20, UsageLimit: 50},
		"price_pro":   {Tier: "pro", AiCredits: 200, UsageLimit: 500},
	},
}

// llmStub returns a fixed response. The error channel is nil so Collect drains
// every chunk before returning.
type llmStub struct {
	response string
}

func (s *llmStub) Stream(ctx context.Context, req *aigen.GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string, 1)
	textChan <- s.response
	close(textChan)
	return textChan, nil
}

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(schema.AllModels()...)
	if err != nil {
		t.Fatal(err)
	}

	storagePath := filepath.Join(t.TempDir(), "storage")
	err = os.MkdirAll(storagePath, 0777)
	if err != nil {
		t.Fatalf("error creating storage directory: %v", err)
	}
	store := storage.NewSharedDisk(storagePath)

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        []byte("290zcv02ai249"),
			OwnerName:     ownerName,
			OwnerEmail:    ownerEmail,
			OwnerPassword: ownerPassword,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	platform := services.NewStudioPlatform(db, store, userAuth, services.PlatformArgs{
		WebhookSecret:   testWebhookSecret,
		PlanTiers:       testPlanTiers,
		LLMProvider:     &llmStub{response: "generated output"},
		LLMProviderName: "stub",
		LLMModel:        "test-model",
	})

	return &testEnv{platform: &platform, api: platform.Routes(), db: db, storage: store}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

// newStudio signs up a studio and returns a logged in admin client.
func (t *testEnv) newStudio(name string) (client, error) {
	c := t.newClient()
	login, err := c.signup(name, name+" admin", name+"@mail.com", name+"_password")
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) ownerClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: ownerEmail, Password: ownerPassword})
	return c, err
}

// newStaff creates a TEAM user in the admin's studio and logs them in.
func (t *testEnv) newStaff(admin client, name string) (client, error) {
	email := name + "@mail.com"
	password := name + "_password"

	_, err := admin.createUser(name, email, password, schema.RoleTeam)
	if err != nil {
		return client{}, err
	}

	c := t.newClient()
	err = c.login(loginInfo{Email: email, Password: password})
	return c, err
}

// newPatientWithPortal creates a patient, grants portal access, and returns
// the patient id along with a client logged in as the patient.
func (t *testEnv) newPatientWithPortal(admin client, name string) (string, client, error) {
	patientId, err := admin.createPatient(name)
	if err != nil {
		return "", client{}, err
	}

	email := name + "@portal.mail.com"
	password := name + "_portal_password"
	err = admin.grantPortalAccess(patientId, email, password)
	if err != nil {
		return "", client{}, err
	}

	c := t.newClient()
	err = c.login(loginInfo{Email: email, Password: password})
	if err != nil {
		return "", client{}, err
	}

	return patientId, c, nil
}

// seedDataset creates a food with published nutrient data and an active BR
// policy for the patient, the baseline most diary tests need.
func (t *testEnv) seedDataset(admin client, patientId string) (string, error) {
	foodId, err := admin.createFood("Arroz branco cozido", "cereals", []string{"arroz"})
	if err != nil {
		return "", err
	}

	releaseId, err := admin.createRelease("TACO v7.1")
	if err != nil {
		return "", err
	}

	err = admin.addNutrients(releaseId, []nutrientRow{{
		FoodId:    foodId,
		Nutrients: map[string]float64{"kcal": 128.3, "protein_g": 2.5, "carbs_g": 26.2, "fat_g": 0.2},
	}})
	if err != nil {
		return "", err
	}

	err = admin.publishRelease(releaseId)
	if err != nil {
		return "", err
	}

	_, err = admin.activatePolicy(patientId, map[string]interface{}{"default_region": "BR"})
	if err != nil {
		return "", err
	}

	return foodId, nil
}

func statusError(err error, status int) bool {
	return err != nil && strings.Contains(err.Error(), fmt.Sprintf("status %d", status))
}
