package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrPolicyNotFound   = errors.New("data source policy not found")
	ErrFoodNotFound     = errors.New("food not found")
	ErrReleaseNotFound  = errors.New("dataset release not found")
	ErrMealNotFound     = errors.New("meal not found")
	ErrMealItemNotFound = errors.New("meal item not found")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrDbAccessFailed   = errors.New("db access failed")
)

func GetTenant(tenantId uuid.UUID, db *gorm.DB) (Tenant, error) {
	var tenant Tenant

	result := db.First(&tenant, "id = ?", tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tenant, ErrTenantNotFound
		}
		slog.Error("sql error in get tenant", "tenant_id", tenantId, "error", result.Error)
		return tenant, ErrDbAccessFailed
	}

	return tenant, nil
}

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

// Tenant-scoped getters below treat a tenant mismatch identically to a missing
// row so that cross-tenant existence never leaks.

func GetPatient(patientId, tenantId uuid.UUID, db *gorm.DB) (Patient, error) {
	var patient Patient

	result := db.First(&patient, "id = ? AND tenant_id = ?", patientId, tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return patient, ErrPatientNotFound
		}
		slog.Error("sql error in get patient", "patient_id", patientId, "error", result.Error)
		return patient, ErrDbAccessFailed
	}

	return patient, nil
}

func GetActivePolicy(patientId, tenantId uuid.UUID, db *gorm.DB) (DataSourcePolicy, error) {
	var policy DataSourcePolicy

	result := db.Preload("Overrides").
		First(&policy, "patient_id = ? AND tenant_id = ? AND is_active = ?", patientId, tenantId, true)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return policy, ErrPolicyNotFound
		}
		slog.Error("sql error in get active policy", "patient_id", patientId, "error", result.Error)
		return policy, ErrDbAccessFailed
	}

	return policy, nil
}

func GetFood(foodId, tenantId uuid.UUID, db *gorm.DB) (FoodCanonical, error) {
	var food FoodCanonical

	result := db.Preload("Aliases").First(&food, "id = ? AND tenant_id = ?", foodId, tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return food, ErrFoodNotFound
		}
		slog.Error("sql error in get food", "food_id", foodId, "error", result.Error)
		return food, ErrDbAccessFailed
	}

	return food, nil
}

func GetRelease(releaseId, tenantId uuid.UUID, db *gorm.DB) (DatasetRelease, error) {
	var release DatasetRelease

	result := db.First(&release, "id = ? AND tenant_id = ?", releaseId, tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return release, ErrReleaseNotFound
		}
		slog.Error("sql error in get release", "release_id", releaseId, "error", result.Error)
		return release, ErrDbAccessFailed
	}

	return release, nil
}

// GetCurrentRelease returns the latest published release for the tenant.
// Draft releases are never considered.
func GetCurrentRelease(tenantId uuid.UUID, db *gorm.DB) (DatasetRelease, error) {
	var release DatasetRelease

	result := db.Where("tenant_id = ? AND status = ?", tenantId, StatusPublished).
		Order("published_at DESC").
		First(&release)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return release, ErrReleaseNotFound
		}
		slog.Error("sql error in get current release", "tenant_id", tenantId, "error", result.Error)
		return release, ErrDbAccessFailed
	}

	return release, nil
}

func GetPlanForPatient(patientId, tenantId uuid.UUID, db *gorm.DB) (Plan, error) {
	var plan Plan

	result := db.First(&plan, "patient_id = ? AND tenant_id = ?", patientId, tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return plan, ErrPlanNotFound
		}
		slog.Error("sql error in get plan for patient", "patient_id", patientId, "error", result.Error)
		return plan, ErrDbAccessFailed
	}

	return plan, nil
}

func GetPlan(planId, tenantId uuid.UUID, db *gorm.DB) (Plan, error) {
	var plan Plan

	result := db.First(&plan, "id = ? AND tenant_id = ?", planId, tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return plan, ErrPlanNotFound
		}
		slog.Error("sql error in get plan", "plan_id", planId, "error", result.Error)
		return plan, ErrDbAccessFailed
	}

	return plan, nil
}
