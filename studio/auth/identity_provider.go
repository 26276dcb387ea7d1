package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nutristudio_platform/studio/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no user found for given email")
	ErrInvalidCredentials    = errors.New("invalid login credentials")
	ErrGeneratingJwt         = errors.New("error generating jwt")
	ErrEmailAlreadyInUse     = errors.New("email is already in use")
	ErrTenantAlreadyExists   = errors.New("tenant name is already in use")
)

type LoginResult struct {
	UserId      uuid.UUID
	TenantId    uuid.UUID
	AccessToken string
}

type SignupResult struct {
	TenantId uuid.UUID
	UserId   uuid.UUID
}

type IdentityProvider interface {
	AuthMiddleware() chi.Middlewares

	AllowDirectSignup() bool

	LoginWithEmail(email, password string) (LoginResult, error)

	// SignupTenant provisions a new tenant together with its first
	// TENANT_ADMIN user, atomically.
	SignupTenant(tenantName, name, email, password string) (SignupResult, error)

	// CreateUser adds a user to an existing tenant with the given role.
	CreateUser(tenantId uuid.UUID, role schema.Role, name, email, password string) (uuid.UUID, error)

	DeleteUser(userId uuid.UUID) error

	GetTokenExpiration(r *http.Request) (time.Time, error)
}

// addInitialOwnerToDb seeds the platform operations tenant and its OWNER user
// on first startup. Reruns are no-ops.
func addInitialOwnerToDb(db *gorm.DB, userId uuid.UUID, name, email string, password []byte) error {
	err := db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "id = ? or email = ?", userId, email)
		if result.Error != nil {
			slog.Error("sql error checking if platform owner has already been added", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return nil
		}

		tenant := schema.Tenant{Id: uuid.New(), Name: "platform", PlanTier: "internal"}
		if result := txn.Create(&tenant); result.Error != nil {
			slog.Error("sql error creating platform tenant", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		owner := schema.User{
			Id:       userId,
			TenantId: tenant.Id,
			Name:     name,
			Email:    email,
			Password: password,
			Role:     schema.RoleOwner,
		}
		if result := txn.Create(&owner); result.Error != nil {
			slog.Error("sql error creating initial platform owner", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding initial platform owner to db: %w", err)
	}

	return nil
}

type requestContextKey string

const userRequestContextKey requestContextKey = "user"

func UserFromContext(r *http.Request) (schema.User, error) {
	userUntyped := r.Context().Value(userRequestContextKey)
	if userUntyped == nil {
		return schema.User{}, fmt.Errorf("user field not found in request context")
	}
	user, ok := userUntyped.(schema.User)
	if !ok {
		return schema.User{}, fmt.Errorf("invalid value for user field")
	}
	return user, nil
}
