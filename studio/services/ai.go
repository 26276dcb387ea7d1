package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nutristudio_platform/studio/aigen"
	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/utils"
	"nutristudio_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// creditCosts maps generation kinds to the credits they consume.
var creditCosts = map[string]int{
	"plan_draft":      5,
	"exam_summary":    2,
	"meal_suggestion": 1,
}

type AiService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider

	provider     aigen.LLMProvider
	providerName string
	model        string
}

func (s *AiService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionUpdate, auth.ResourcePlan))
		r.Post("/generate", s.Generate)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminOnly())
		r.Get("/executions", s.ListExecutions)
	})

	return r
}

type generateRequest struct {
	Kind       string            `json:"kind"`
	Query      string            `json:"query"`
	References []aigen.Reference `json:"references,omitempty"`
}

type generateResponse struct {
	ExecutionId uuid.UUID `json:"execution_id"`
	Output      string    `json:"output"`
	CreditsUsed int       `json:"credits_used"`
}

// Generate runs an LLM generation for the studio. Credits are deducted with a
// conditional update before calling the provider, a studio without enough
// credits gets 402 and no generation happens. The deduction and the execution
// record commit together.
func (s *AiService) Generate(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params generateRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if s.provider == nil {
		http.Error(w, "no llm provider is configured", http.StatusServiceUnavailable)
		return
	}

	cost, ok := creditCosts[params.Kind]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown generation kind '%v'", params.Kind), http.StatusUnprocessableEntity)
		return
	}

	if params.Query == "" {
		http.Error(w, "query is required", http.StatusUnprocessableEntity)
		return
	}

	execution := schema.AiExecution{
		Id:          uuid.New(),
		TenantId:    user.TenantId,
		Kind:        params.Kind,
		Provider:    s.providerName,
		CreditsUsed: cost,
		CreatedBy:   user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Model(&schema.Tenant{}).
			Where("id = ? AND ai_credits >= ?", user.TenantId, cost).
			Update("ai_credits", gorm.Expr("ai_credits - ?", cost))
		if result.Error != nil {
			slog.Error("sql error deducting ai credits", "tenant_id", user.TenantId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("studio has insufficient ai credits for %v", params.Kind), http.StatusPaymentRequired)
		}

		if result := txn.Create(&execution); result.Error != nil {
			slog.Error("sql error recording ai execution", "tenant_id", user.TenantId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error starting generation: %v", err), GetResponseCode(err))
		return
	}

	var req *aigen.GenerateRequest
	switch params.Kind {
	case "plan_draft":
		req = aigen.PlanDraftRequest(s.model, params.Query, params.References)
	case "exam_summary":
		req = aigen.ExamSummaryRequest(s.model, params.Query)
	case "meal_suggestion":
		req = aigen.MealSuggestionRequest(s.model, params.Query, params.References)
	}

	output, err := aigen.Collect(r.Context(), s.provider, req)
	if err != nil {
		slog.Error("llm generation failed", "kind", params.Kind, "execution_id", execution.Id, "error", err)
		http.Error(w, fmt.Sprintf("generation failed: %v", err), http.StatusBadGateway)
		return
	}

	aiGenerationMetric.Observe(1)
	slog.Info("completed ai generation", "code", logging.AI_GENERATION, "kind", params.Kind, "execution_id", execution.Id, "credits_used", cost)

	utils.WriteJsonResponse(w, generateResponse{ExecutionId: execution.Id, Output: output, CreditsUsed: cost})
}

type AiExecutionInfo struct {
	Id          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Provider    string    `json:"provider"`
	CreditsUsed int       `json:"credits_used"`
	CreatedBy   uuid.UUID `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *AiService) ListExecutions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var executions []schema.AiExecution
	result := s.db.Where("tenant_id = ?", user.TenantId).Order("created_at DESC").Find(&executions)
	if result.Error != nil {
		slog.Error("sql error listing ai executions", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing executions: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]AiExecutionInfo, 0, len(executions))
	for _, e := range executions {
		infos = append(infos, AiExecutionInfo{
			Id:          e.Id,
			Kind:        e.Kind,
			Provider:    e.Provider,
			CreditsUsed: e.CreditsUsed,
			CreatedBy:   e.CreatedBy,
			CreatedAt:   e.CreatedAt,
		})
	}
	utils.WriteJsonResponse(w, infos)
}
