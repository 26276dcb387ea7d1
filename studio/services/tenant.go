package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/studio/storage"
	"nutristudio_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TenantService is the owner portal: it manages the studios hosted on the
// platform.
type TenantService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	storage  storage.Storage
}

func (s *TenantService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourceTenant))
		r.Get("/list", s.List)
		r.Get("/{tenant_id}", s.Get)
		r.Get("/storage-usage", s.StorageUsage)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionUpdate, auth.ResourceTenant))
		r.Post("/{tenant_id}/status", s.SetStatus)
		r.Post("/{tenant_id}/credits", s.GrantCredits)
	})

	return r
}

type TenantInfo struct {
	Id           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	PlanTier     string    `json:"plan_tier"`
	Status       string    `json:"status"`
	AiCredits    int       `json:"ai_credits"`
	UsageLimit   int       `json:"usage_limit"`
	UserCount    int64     `json:"user_count"`
	PatientCount int64     `json:"patient_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *TenantService) convertToTenantInfo(tenant *schema.Tenant) (TenantInfo, error) {
	var userCount, patientCount int64

	if result := s.db.Model(&schema.User{}).Where("tenant_id = ?", tenant.Id).Count(&userCount); result.Error != nil {
		slog.Error("sql error counting tenant users", "tenant_id", tenant.Id, "error", result.Error)
		return TenantInfo{}, schema.ErrDbAccessFailed
	}
	if result := s.db.Model(&schema.Patient{}).Where("tenant_id = ?", tenant.Id).Count(&patientCount); result.Error != nil {
		slog.Error("sql error counting tenant patients", "tenant_id", tenant.Id, "error", result.Error)
		return TenantInfo{}, schema.ErrDbAccessFailed
	}

	return TenantInfo{
		Id:           tenant.Id,
		Name:         tenant.Name,
		PlanTier:     tenant.PlanTier,
		Status:       tenant.Status,
		AiCredits:    tenant.AiCredits,
		UsageLimit:   tenant.UsageLimit,
		UserCount:    userCount,
		PatientCount: patientCount,
		CreatedAt:    tenant.CreatedAt,
	}, nil
}

func (s *TenantService) List(w http.ResponseWriter, r *http.Request) {
	var tenants []schema.Tenant
	result := s.db.Order("created_at").Find(&tenants)
	if result.Error != nil {
		slog.Error("sql error listing tenants", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing tenants: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]TenantInfo, 0, len(tenants))
	for _, tenant := range tenants {
		info, err := s.convertToTenantInfo(&tenant)
		if err != nil {
			http.Error(w, fmt.Sprintf("error listing tenants: %v", err), http.StatusInternalServerError)
			return
		}
		infos = append(infos, info)
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *TenantService) Get(w http.ResponseWriter, r *http.Request) {
	tenantId, err := utils.URLParamUUID(r, "tenant_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tenant, err := schema.GetTenant(tenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrTenantNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting tenant: %v", err), http.StatusInternalServerError)
		return
	}

	info, err := s.convertToTenantInfo(&tenant)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting tenant: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, info)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (s *TenantService) SetStatus(w http.ResponseWriter, r *http.Request) {
	tenantId, err := utils.URLParamUUID(r, "tenant_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Status != "active" && params.Status != "suspended" {
		http.Error(w, fmt.Sprintf("invalid status '%v', must be 'active' or 'suspended'", params.Status), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetTenant(tenantId, txn); err != nil {
			if errors.Is(err, schema.ErrTenantNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Model(&schema.Tenant{}).Where("id = ?", tenantId).Update("status", params.Status)
		if result.Error != nil {
			slog.Error("sql error updating tenant status", "tenant_id", tenantId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating tenant status: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("updated tenant status", "tenant_id", tenantId, "status", params.Status)

	utils.WriteSuccess(w)
}

type grantCreditsRequest struct {
	Credits int `json:"credits"`
}

func (s *TenantService) GrantCredits(w http.ResponseWriter, r *http.Request) {
	tenantId, err := utils.URLParamUUID(r, "tenant_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params grantCreditsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Credits <= 0 {
		http.Error(w, "credits must be positive", http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetTenant(tenantId, txn); err != nil {
			if errors.Is(err, schema.ErrTenantNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Model(&schema.Tenant{}).
			Where("id = ?", tenantId).
			Update("ai_credits", gorm.Expr("ai_credits + ?", params.Credits))
		if result.Error != nil {
			slog.Error("sql error granting ai credits", "tenant_id", tenantId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error granting credits: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type storageUsageResponse struct {
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	Location   string `json:"location"`
}

func (s *TenantService) StorageUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Usage()
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting storage usage: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, storageUsageResponse{
		TotalBytes: stats.TotalBytes,
		FreeBytes:  stats.FreeBytes,
		Location:   s.storage.Location(),
	})
}
