package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// regionDefaultSources maps a patient's region to the canonical nutrient table
// used when no category override applies.
var regionDefaultSources = map[string]string{
	"BR": "TACO",
	"DE": "BLS",
	"US": "USDA",
}

// fallbackSource is the platform wide default applied when a patient has no
// active data source policy.
const fallbackSource = "TACO"

// resolveSource picks the nutrient source for a food under the given policy.
// Category overrides win over the region default. The allowed source list, when
// present, constrains the final answer.
func resolveSource(policy *schema.DataSourcePolicy, food *schema.FoodCanonical) (string, error) {
	source := ""
	for _, override := range policy.Overrides {
		if override.CategoryCode == food.Category {
			source = override.PreferredSource
			break
		}
	}

	if source == "" {
		regionDefault, ok := regionDefaultSources[policy.DefaultRegion]
		if !ok {
			return "", fmt.Errorf("no default nutrient source for region '%v'", policy.DefaultRegion)
		}
		source = regionDefault
	}

	allowed := policy.AllowedSourceList()
	if len(allowed) > 0 {
		permitted := false
		for _, a := range allowed {
			if a == source {
				permitted = true
				break
			}
		}
		if !permitted {
			return "", fmt.Errorf("source '%v' is not in the policy's allowed sources", source)
		}
	}

	return source, nil
}

type PolicyService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *PolicyService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourcePolicy))
		r.Get("/{patient_id}/active", s.GetActive)
		r.Get("/{patient_id}/resolve/{food_id}", s.Resolve)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionUpdate, auth.ResourcePolicy))
		r.Post("/{patient_id}/activate", s.Activate)
	})

	return r
}

type overrideParams struct {
	CategoryCode    string `json:"category_code"`
	PreferredSource string `json:"preferred_source"`
}

type activatePolicyRequest struct {
	DefaultRegion  string           `json:"default_region"`
	AllowedSources string           `json:"allowed_sources,omitempty"`
	Overrides      []overrideParams `json:"overrides,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

type activatePolicyResponse struct {
	PolicyId uuid.UUID `json:"policy_id"`
	Version  int       `json:"version"`
}

// Activate creates a new policy version for the patient and deactivates any
// prior active version in the same transaction.
func (s *PolicyService) Activate(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	patientId, err := utils.URLParamUUID(r, "patient_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params activatePolicyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if _, ok := regionDefaultSources[params.DefaultRegion]; !ok {
		http.Error(w, fmt.Sprintf("unsupported region '%v'", params.DefaultRegion), http.StatusUnprocessableEntity)
		return
	}

	seen := map[string]struct{}{}
	for _, override := range params.Overrides {
		if override.CategoryCode == "" || override.PreferredSource == "" {
			http.Error(w, "overrides require category_code and preferred_source", http.StatusUnprocessableEntity)
			return
		}
		if _, dup := seen[override.CategoryCode]; dup {
			http.Error(w, fmt.Sprintf("duplicate override for category '%v'", override.CategoryCode), http.StatusConflict)
			return
		}
		seen[override.CategoryCode] = struct{}{}
	}

	policy := schema.DataSourcePolicy{
		Id:             uuid.New(),
		TenantId:       user.TenantId,
		PatientId:      patientId,
		DefaultRegion:  params.DefaultRegion,
		AllowedSources: params.AllowedSources,
		IsActive:       true,
		Notes:          params.Notes,
		UpdatedBy:      user.Id,
	}
	for _, override := range params.Overrides {
		policy.Overrides = append(policy.Overrides, schema.CategoryOverride{
			PolicyId:        policy.Id,
			CategoryCode:    override.CategoryCode,
			PreferredSource: override.PreferredSource,
		})
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkPatientExists(txn, patientId, user.TenantId); err != nil {
			return err
		}

		var prior schema.DataSourcePolicy
		result := txn.Limit(1).Find(&prior, "patient_id = ? AND tenant_id = ? AND is_active = ?", patientId, user.TenantId, true)
		if result.Error != nil {
			slog.Error("sql error finding active policy", "patient_id", patientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		policy.Version = 1
		if result.RowsAffected != 0 {
			policy.Version = prior.Version + 1

			update := txn.Model(&schema.DataSourcePolicy{Id: prior.Id}).Update("is_active", false)
			if update.Error != nil {
				slog.Error("sql error deactivating prior policy", "policy_id", prior.Id, "error", update.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if result := txn.Create(&policy); result.Error != nil {
			slog.Error("sql error creating policy", "patient_id", patientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error activating policy: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("activated data source policy", "patient_id", patientId, "policy_id", policy.Id, "version", policy.Version)

	utils.WriteJsonResponse(w, activatePolicyResponse{PolicyId: policy.Id, Version: policy.Version})
}

type PolicyInfo struct {
	Id             uuid.UUID        `json:"id"`
	DefaultRegion  string           `json:"default_region"`
	AllowedSources []string         `json:"allowed_sources"`
	Version        int              `json:"version"`
	Notes          string           `json:"notes,omitempty"`
	Overrides      []overrideParams `json:"overrides"`
}

func convertToPolicyInfo(policy *schema.DataSourcePolicy) PolicyInfo {
	overrides := make([]overrideParams, 0, len(policy.Overrides))
	for _, o := range policy.Overrides {
		overrides = append(overrides, overrideParams{CategoryCode: o.CategoryCode, PreferredSource: o.PreferredSource})
	}

	return PolicyInfo{
		Id:             policy.Id,
		DefaultRegion:  policy.DefaultRegion,
		AllowedSources: policy.AllowedSourceList(),
		Version:        policy.Version,
		Notes:          policy.Notes,
		Overrides:      overrides,
	}
}

func (s *PolicyService) GetActive(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	patientId, err := utils.URLParamUUID(r, "patient_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	policy, err := schema.GetActivePolicy(patientId, user.TenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrPolicyNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting active policy: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToPolicyInfo(&policy))
}

type resolveResponse struct {
	Source string `json:"source"`
}

// Resolve reports which nutrient source the active policy selects for a food.
func (s *PolicyService) Resolve(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	patientId, err := utils.URLParamUUID(r, "patient_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	foodId, err := utils.URLParamUUID(r, "food_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	policy, err := schema.GetActivePolicy(patientId, user.TenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrPolicyNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting active policy: %v", err), http.StatusInternalServerError)
		return
	}

	food, err := schema.GetFood(foodId, user.TenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrFoodNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting food: %v", err), http.StatusInternalServerError)
		return
	}

	source, err := resolveSource(&policy, &food)
	if err != nil {
		http.Error(w, fmt.Sprintf("error resolving source: %v", err), http.StatusUnprocessableEntity)
		return
	}

	utils.WriteJsonResponse(w, resolveResponse{Source: source})
}
