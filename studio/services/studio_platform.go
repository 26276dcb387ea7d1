package services

import (
	"log"
	"net/http"
	"os"

	"nutristudio_platform/studio/aigen"
	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/storage"
	"nutristudio_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type StudioPlatform struct {
	user      UserService
	patient   PatientService
	policy    PolicyService
	dataset   DatasetService
	diary     DiaryService
	plan      PlanService
	integrity IntegrityService
	tenant    TenantService
	billing   BillingService
	ai        AiService

	db *gorm.DB
}

type PlatformArgs struct {
	WebhookSecret []byte
	PlanTiers     PlanTierMapping

	LLMProvider     aigen.LLMProvider
	LLMProviderName string
	LLMModel        string
}

func NewStudioPlatform(
	db *gorm.DB, store storage.Storage, userAuth auth.IdentityProvider, args PlatformArgs,
) StudioPlatform {
	return StudioPlatform{
		user:      UserService{db: db, userAuth: userAuth},
		patient:   PatientService{db: db, userAuth: userAuth, storage: store},
		policy:    PolicyService{db: db, userAuth: userAuth},
		dataset:   DatasetService{db: db, userAuth: userAuth},
		diary:     DiaryService{db: db, userAuth: userAuth},
		plan:      PlanService{db: db, userAuth: userAuth},
		integrity: IntegrityService{db: db, userAuth: userAuth},
		tenant:    TenantService{db: db, userAuth: userAuth, storage: store},
		billing:   BillingService{db: db, webhookSecret: args.WebhookSecret, tiers: args.PlanTiers},
		ai: AiService{
			db:           db,
			userAuth:     userAuth,
			provider:     args.LLMProvider,
			providerName: args.LLMProviderName,
			model:        args.LLMModel,
		},
		db: db,
	}
}

func (p *StudioPlatform) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", p.user.Routes())
	r.Mount("/patient", p.patient.Routes())
	r.Mount("/policy", p.policy.Routes())
	r.Mount("/dataset", p.dataset.Routes())
	r.Mount("/diary", p.diary.Routes())
	r.Mount("/plan", p.plan.Routes())
	r.Mount("/integrity", p.integrity.Routes())
	r.Mount("/tenant", p.tenant.Routes())
	r.Mount("/billing", p.billing.Routes())
	r.Mount("/ai", p.ai.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}
