package services

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"nutristudio_platform/nutrition"
	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/utils"
	"nutristudio_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type IntegrityService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *IntegrityService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)
	r.Use(auth.AdminOnly())

	r.Post("/run", s.Run)
	r.Get("/runs", s.ListRuns)
	r.Get("/runs/{run_id}", s.GetRun)

	return r
}

type integrityIssue struct {
	Check      string
	Severity   string
	EntityType string
	EntityId   string
	Message    string
}

// canaryCheck recomputes a known scaling example. A mismatch means the
// nutrient arithmetic itself has regressed, which taints every other result.
func canaryCheck() []integrityIssue {
	scaled := nutrition.Scale(nutrition.Nutrients{"kcal": 100.7, "protein_g": 10.15}, 150)
	if scaled["kcal"] != 151.05 || scaled["protein_g"] != 15.23 {
		return []integrityIssue{{
			Check:    "canary",
			Severity: schema.SeverityCritical,
			Message:  fmt.Sprintf("nutrient scaling produced unexpected values: %v", scaled),
		}}
	}
	return nil
}

// datasetSanityCheck validates the tenant's current published release: rows
// must decode, values must be non-negative, stated kcal must roughly match the
// Atwater macro energy, and referenced foods must exist.
func datasetSanityCheck(txn *gorm.DB, tenantId uuid.UUID) ([]integrityIssue, error) {
	release, err := schema.GetCurrentRelease(tenantId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrReleaseNotFound) {
			return []integrityIssue{{
				Check:    "dataset_sanity",
				Severity: schema.SeverityWarning,
				Message:  "tenant has no published dataset release",
			}}, nil
		}
		return nil, err
	}

	var rows []schema.FoodNutrient
	if result := txn.Where("release_id = ?", release.Id).Find(&rows); result.Error != nil {
		slog.Error("sql error loading nutrient rows for integrity check", "release_id", release.Id, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	var issues []integrityIssue
	for _, row := range rows {
		values, err := row.NutrientValues()
		if err != nil {
			issues = append(issues, integrityIssue{
				Check:      "dataset_sanity",
				Severity:   schema.SeverityCritical,
				EntityType: "food_nutrient",
				EntityId:   row.FoodId.String(),
				Message:    fmt.Sprintf("nutrient row does not decode: %v", err),
			})
			continue
		}

		for key, value := range values {
			if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
				issues = append(issues, integrityIssue{
					Check:      "dataset_sanity",
					Severity:   schema.SeverityCritical,
					EntityType: "food_nutrient",
					EntityId:   row.FoodId.String(),
					Message:    fmt.Sprintf("nutrient '%v' has invalid value %v", key, value),
				})
			}
		}

		kcal, hasKcal := values["kcal"]
		_, hasProtein := values["protein_g"]
		_, hasCarbs := values["carbs_g"]
		_, hasFat := values["fat_g"]
		if hasKcal && (hasProtein || hasCarbs || hasFat) {
			implied := nutrition.Energy(values["protein_g"], values["carbs_g"], values["fat_g"])
			// Published tables sit near the Atwater value but not on it, fiber
			// and rounding account for a modest gap.
			if math.Abs(kcal-implied) > implied*0.15+10 {
				issues = append(issues, integrityIssue{
					Check:      "dataset_sanity",
					Severity:   schema.SeverityWarning,
					EntityType: "food_nutrient",
					EntityId:   row.FoodId.String(),
					Message:    fmt.Sprintf("kcal %v diverges from macro implied energy %v", kcal, implied),
				})
			}
		}

		var count int64
		if result := txn.Model(&schema.FoodCanonical{}).Where("id = ? AND tenant_id = ?", row.FoodId, tenantId).Count(&count); result.Error != nil {
			slog.Error("sql error checking food existence", "food_id", row.FoodId, "error", result.Error)
			return nil, schema.ErrDbAccessFailed
		}
		if count == 0 {
			issues = append(issues, integrityIssue{
				Check:      "dataset_sanity",
				Severity:   schema.SeverityWarning,
				EntityType: "food_nutrient",
				EntityId:   row.FoodId.String(),
				Message:    "nutrient row references a food that no longer exists",
			})
		}
	}

	return issues, nil
}

// snapshotImmutabilityCheck verifies each snapshot still matches the nutrient
// row of the release it was taken from. Snapshots are frozen history, any
// divergence means someone rewrote published data.
func snapshotImmutabilityCheck(txn *gorm.DB, tenantId uuid.UUID) ([]integrityIssue, error) {
	var snapshots []schema.FoodNutrientSnapshot
	if result := txn.Where("tenant_id = ?", tenantId).Find(&snapshots); result.Error != nil {
		slog.Error("sql error loading snapshots for integrity check", "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	var issues []integrityIssue
	for _, snapshot := range snapshots {
		var row schema.FoodNutrient
		result := txn.Limit(1).Find(&row, "release_id = ? AND food_id = ?", snapshot.ReleaseId, snapshot.FoodId)
		if result.Error != nil {
			slog.Error("sql error loading nutrient row for snapshot check", "snapshot_id", snapshot.Id, "error", result.Error)
			return nil, schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			issues = append(issues, integrityIssue{
				Check:      "snapshot_immutability",
				Severity:   schema.SeverityWarning,
				EntityType: "snapshot",
				EntityId:   snapshot.Id.String(),
				Message:    "snapshot's source nutrient row no longer exists in its release",
			})
			continue
		}

		if row.Nutrients != snapshot.Nutrients {
			issues = append(issues, integrityIssue{
				Check:      "snapshot_immutability",
				Severity:   schema.SeverityCritical,
				EntityType: "snapshot",
				EntityId:   snapshot.Id.String(),
				Message:    "snapshot nutrients diverge from the release it was taken from",
			})
		}
	}

	return issues, nil
}

// rbacCompletenessCheck verifies every resource/action pair in the permission
// matrix grants at least one role.
func rbacCompletenessCheck() []integrityIssue {
	var issues []integrityIssue
	for resource, actions := range auth.ExpectedGrants() {
		for _, action := range actions {
			if len(auth.GrantedRoles(action, resource)) == 0 {
				issues = append(issues, integrityIssue{
					Check:      "rbac_completeness",
					Severity:   schema.SeverityCritical,
					EntityType: "permission",
					EntityId:   fmt.Sprintf("%v:%v", resource, action),
					Message:    "permission grants no roles",
				})
			}
		}
	}
	return issues
}

type runResponse struct {
	RunId  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
	Issues int       `json:"issues"`
}

// Run executes all integrity checks for the caller's studio and stores the
// result. The run fails iff at least one CRITICAL issue is found.
func (s *IntegrityService) Run(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	run := schema.IntegrityCheckRun{
		Id:        uuid.New(),
		TenantId:  user.TenantId,
		StartedAt: time.Now().UTC(),
	}

	var issues []integrityIssue

	err = s.db.Transaction(func(txn *gorm.DB) error {
		issues = append(issues, canaryCheck()...)

		datasetIssues, err := datasetSanityCheck(txn, user.TenantId)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		issues = append(issues, datasetIssues...)

		snapshotIssues, err := snapshotImmutabilityCheck(txn, user.TenantId)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		issues = append(issues, snapshotIssues...)

		issues = append(issues, rbacCompletenessCheck()...)

		run.Status = schema.RunPassed
		for _, issue := range issues {
			if issue.Severity == schema.SeverityCritical {
				run.Status = schema.RunFailed
				break
			}
		}
		run.FinishedAt = time.Now().UTC()

		for _, issue := range issues {
			run.Issues = append(run.Issues, schema.IntegrityIssue{
				Id:         uuid.New(),
				RunId:      run.Id,
				Check:      issue.Check,
				Severity:   issue.Severity,
				EntityType: issue.EntityType,
				EntityId:   issue.EntityId,
				Message:    issue.Message,
			})
		}

		if result := txn.Create(&run); result.Error != nil {
			slog.Error("sql error storing integrity run", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error running integrity checks: %v", err), GetResponseCode(err))
		return
	}

	integrityRunMetric.Observe(1)
	slog.Info("completed integrity run", "code", logging.INTEGRITY_RUN, "run_id", run.Id, "status", run.Status, "issues", len(issues))

	utils.WriteJsonResponse(w, runResponse{RunId: run.Id, Status: run.Status, Issues: len(issues)})
}

type IntegrityIssueInfo struct {
	Check      string `json:"check"`
	Severity   string `json:"severity"`
	EntityType string `json:"entity_type,omitempty"`
	EntityId   string `json:"entity_id,omitempty"`
	Message    string `json:"message"`
}

type IntegrityRunInfo struct {
	Id         uuid.UUID            `json:"id"`
	Status     string               `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Issues     []IntegrityIssueInfo `json:"issues,omitempty"`
}

func (s *IntegrityService) ListRuns(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var runs []schema.IntegrityCheckRun
	result := s.db.Where("tenant_id = ?", user.TenantId).Order("started_at DESC").Find(&runs)
	if result.Error != nil {
		slog.Error("sql error listing integrity runs", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing runs: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]IntegrityRunInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, IntegrityRunInfo{
			Id:         run.Id,
			Status:     run.Status,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *IntegrityService) GetRun(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	runId, err := utils.URLParamUUID(r, "run_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var run schema.IntegrityCheckRun
	result := s.db.Preload("Issues").Limit(1).Find(&run, "id = ? AND tenant_id = ?", runId, user.TenantId)
	if result.Error != nil {
		slog.Error("sql error loading integrity run", "run_id", runId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting run: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, "integrity run not found", http.StatusNotFound)
		return
	}

	info := IntegrityRunInfo{
		Id:         run.Id,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, issue := range run.Issues {
		info.Issues = append(info.Issues, IntegrityIssueInfo{
			Check:      issue.Check,
			Severity:   issue.Severity,
			EntityType: issue.EntityType,
			EntityId:   issue.EntityId,
			Message:    issue.Message,
		})
	}

	utils.WriteJsonResponse(w, info)
}
