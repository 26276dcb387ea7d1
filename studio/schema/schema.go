package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nutristudio_platform/nutrition"

	"github.com/google/uuid"
)

type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleTenantAdmin Role = "TENANT_ADMIN"
	RoleTeam        Role = "TEAM"
	RolePatient     Role = "PATIENT"
)

func CheckValidRole(role Role) error {
	switch role {
	case RoleOwner, RoleTenantAdmin, RoleTeam, RolePatient:
		return nil
	}
	return fmt.Errorf("invalid role '%v'", role)
}

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

const (
	RunPassed = "passed"
	RunFailed = "failed"
)

const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

type Tenant struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name     string `gorm:"unique;size:100;not null"`
	PlanTier string `gorm:"size:50;not null;default:'free'"`

	AiCredits  int `gorm:"not null;default:0"`
	UsageLimit int `gorm:"not null;default:0"`

	Status    string `gorm:"size:50;not null;default:'active'"`
	CreatedAt time.Time
}

type User struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name     string `gorm:"size:100;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	Role Role `gorm:"size:50;not null"`

	Tenant *Tenant `gorm:"constraint:OnDelete:CASCADE"`
}

type Patient struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name      string `gorm:"size:100;not null"`
	BirthDate *time.Time
	Archived  bool `gorm:"not null;default:false"`

	// Portal login for the patient, if one has been provisioned.
	UserId *uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	User   *User      `gorm:"constraint:OnDelete:SET NULL"`

	CreatedAt time.Time
}

type Consultation struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId  uuid.UUID `gorm:"type:uuid;not null;index"`
	PatientId uuid.UUID `gorm:"type:uuid;not null;index"`

	Date     time.Time `gorm:"not null"`
	Notes    string
	WeightKg float64

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time

	Patient *Patient `gorm:"constraint:OnDelete:CASCADE"`
}

// DataSourcePolicy selects which canonical nutrient source each food category
// resolves against for one patient. At most one version is active per patient,
// activation of a new version deactivates the prior one in the same
// transaction.
type DataSourcePolicy struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId  uuid.UUID `gorm:"type:uuid;not null;index"`
	PatientId uuid.UUID `gorm:"type:uuid;not null;index"`

	DefaultRegion  string `gorm:"size:10;not null"`
	AllowedSources string `gorm:"size:500"`

	IsActive bool `gorm:"not null;default:false"`
	Version  int  `gorm:"not null"`

	Notes     string
	UpdatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time

	Overrides []CategoryOverride `gorm:"foreignKey:PolicyId;constraint:OnDelete:CASCADE"`
}

func (p *DataSourcePolicy) AllowedSourceList() []string {
	if p.AllowedSources == "" {
		return nil
	}
	return strings.Split(p.AllowedSources, ",")
}

type CategoryOverride struct {
	PolicyId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	CategoryCode string    `gorm:"size:100;primaryKey"`

	PreferredSource string `gorm:"size:50;not null"`
}

type FoodCanonical struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name     string `gorm:"size:200;not null"`
	Category string `gorm:"size:100;not null"`

	Aliases []FoodAlias `gorm:"foreignKey:FoodId;constraint:OnDelete:CASCADE"`
}

type FoodAlias struct {
	FoodId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Alias  string    `gorm:"size:200;primaryKey"`
}

// DatasetRelease is a versioned publication of nutrient data for a tenant.
// Draft releases accept nutrient rows, published releases are immutable. The
// "current" release is the latest published_at among published releases.
type DatasetRelease struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name   string `gorm:"size:100;not null"`
	Status string `gorm:"size:50;not null;default:'draft'"`

	PublishedAt *time.Time
	CreatedAt   time.Time
}

type FoodNutrient struct {
	ReleaseId uuid.UUID `gorm:"type:uuid;primaryKey"`
	FoodId    uuid.UUID `gorm:"type:uuid;primaryKey"`

	Nutrients string `gorm:"not null"`
}

func (n *FoodNutrient) NutrientValues() (nutrition.Nutrients, error) {
	var values nutrition.Nutrients
	if err := json.Unmarshal([]byte(n.Nutrients), &values); err != nil {
		return nil, fmt.Errorf("error decoding nutrient values for food %v: %w", n.FoodId, err)
	}
	return values, nil
}

func EncodeNutrients(values nutrition.Nutrients) (string, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("error encoding nutrient values: %w", err)
	}
	return string(data), nil
}

// FoodNutrientSnapshot freezes the nutrient values of a food at the moment it
// was added to a meal. It is written once and never updated, later changes to
// the food or the policy must not alter historical meal records.
type FoodNutrientSnapshot struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId  uuid.UUID `gorm:"type:uuid;not null;index"`
	PatientId uuid.UUID `gorm:"type:uuid;not null"`

	FoodId    uuid.UUID `gorm:"type:uuid;not null"`
	Source    string    `gorm:"size:50;not null"`
	ReleaseId uuid.UUID `gorm:"type:uuid;not null"`

	Nutrients string `gorm:"not null"`

	CreatedAt time.Time
}

func (s *FoodNutrientSnapshot) NutrientValues() (nutrition.Nutrients, error) {
	var values nutrition.Nutrients
	if err := json.Unmarshal([]byte(s.Nutrients), &values); err != nil {
		return nil, fmt.Errorf("error decoding snapshot %v nutrients: %w", s.Id, err)
	}
	return values, nil
}

// Meal dates are stored as "2006-01-02" strings, the same-day edit rule
// compares against server time in UTC.
const MealDateLayout = "2006-01-02"

type Meal struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	PatientId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_meal_slot"`
	Date      string    `gorm:"size:10;not null;uniqueIndex:idx_meal_slot"`
	MealType  string    `gorm:"size:50;not null;uniqueIndex:idx_meal_slot"`

	Items []MealItem `gorm:"foreignKey:MealId;constraint:OnDelete:CASCADE"`
}

type MealItem struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`
	MealId   uuid.UUID `gorm:"type:uuid;not null;index"`

	FoodId     uuid.UUID `gorm:"type:uuid;not null"`
	SnapshotId uuid.UUID `gorm:"type:uuid;not null"`
	Grams      float64   `gorm:"not null"`

	CreatedAt time.Time

	Food     *FoodCanonical        `gorm:"foreignKey:FoodId"`
	Snapshot *FoodNutrientSnapshot `gorm:"foreignKey:SnapshotId"`
}

// Plan is unique per patient, enforced by the unique index on PatientId.
type Plan struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	PatientId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Status    string    `gorm:"size:50;not null;default:'active'"`

	CreatedAt time.Time

	Versions []PlanVersion `gorm:"foreignKey:PlanId;constraint:OnDelete:CASCADE"`
}

type PlanVersion struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlanId uuid.UUID `gorm:"type:uuid;not null;index"`

	VersionNo int    `gorm:"not null"`
	Status    string `gorm:"size:50;not null;default:'draft'"`

	Content string

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time

	Approval    *PlanApproval    `gorm:"foreignKey:PlanVersionId;constraint:OnDelete:CASCADE"`
	Publication *PlanPublication `gorm:"foreignKey:PlanVersionId;constraint:OnDelete:CASCADE"`
}

type PlanApproval struct {
	Id            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlanVersionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`

	ApproverId uuid.UUID `gorm:"type:uuid;not null"`
	ApprovedAt time.Time `gorm:"not null"`
}

type PlanPublication struct {
	Id            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlanVersionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`

	PublisherId uuid.UUID `gorm:"type:uuid;not null"`
	PublishedAt time.Time `gorm:"not null"`
}

type IntegrityCheckRun struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Status string `gorm:"size:50;not null"`

	StartedAt  time.Time
	FinishedAt time.Time

	Issues []IntegrityIssue `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type IntegrityIssue struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId uuid.UUID `gorm:"type:uuid;not null;index"`

	Check    string `gorm:"size:100;not null"`
	Severity string `gorm:"size:50;not null"`

	EntityType string `gorm:"size:100"`
	EntityId   string `gorm:"size:100"`
	Message    string
}

type AiExecution struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Kind     string `gorm:"size:50;not null"`
	Provider string `gorm:"size:50;not null"`

	CreditsUsed int `gorm:"not null"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time
}

// BillingEvent records processed payment provider webhook events. EventId is
// unique so redelivered events are applied at most once.
type BillingEvent struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId uuid.UUID `gorm:"type:uuid;not null;index"`

	Provider  string `gorm:"size:50;not null"`
	EventId   string `gorm:"unique;size:200;not null"`
	EventType string `gorm:"size:100;not null"`
	PlanTier  string `gorm:"size:50"`

	ReceivedAt time.Time
}

func AllModels() []interface{} {
	return []interface{}{
		&Tenant{}, &User{}, &Patient{}, &Consultation{},
		&DataSourcePolicy{}, &CategoryOverride{},
		&FoodCanonical{}, &FoodAlias{}, &DatasetRelease{}, &FoodNutrient{},
		&FoodNutrientSnapshot{}, &Meal{}, &MealItem{},
		&Plan{}, &PlanVersion{}, &PlanApproval{}, &PlanPublication{},
		&IntegrityCheckRun{}, &IntegrityIssue{},
		&AiExecution{}, &BillingEvent{},
	}
}
