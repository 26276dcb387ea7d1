package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nutristudio_platform/studio/schema"

	"github.com/Nerzal/gocloak/v13"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeycloakIdentityProvider delegates credential storage and verification to a
// keycloak realm. Role and tenant membership stay in our database, keycloak
// only owns the login.
type KeycloakIdentityProvider struct {
	keycloak *gocloak.GoCloak
	db       *gorm.DB
	auditLog AuditLogger

	realm                        string
	adminUsername, adminPassword string
}

func isConflict(err error) bool {
	apiErr, ok := err.(*gocloak.APIError)
	// Keycloak returns 409 when the user/realm already exists.
	return ok && apiErr.Code == http.StatusConflict
}

func pArg[T any](value T) *T {
	p := new(T)
	*p = value
	return p
}

var boolArg = pArg[bool]
var intArg = pArg[int]
var strArg = pArg[string]

func adminLogin(client *gocloak.GoCloak, adminUsername, adminPassword string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The "master" realm is the default admin realm in Keycloak.
	adminToken, err := client.LoginAdmin(ctx, adminUsername, adminPassword, "master")
	if err != nil {
		return "", fmt.Errorf("error during keycloak admin login: %w", err)
	}
	return adminToken.AccessToken, nil
}

func createRealm(client *gocloak.GoCloak, adminToken, realmName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.CreateRealm(ctx, adminToken, gocloak.RealmRepresentation{
		Realm:                 &realmName,
		Enabled:               boolArg(true),
		RegistrationAllowed:   boolArg(false),
		ResetPasswordAllowed:  boolArg(true),
		AccessTokenLifespan:   intArg(1500),
		PasswordPolicy:        strArg("length(8) and digits(1) and lowerCase(1) and upperCase(1)"),
		BruteForceProtected:   boolArg(true),
		MaxFailureWaitSeconds: intArg(900),
		FailureFactor:         intArg(30),
	})
	if err != nil {
		if isConflict(err) {
			slog.Info(fmt.Sprintf("KEYCLOAK: realm '%v' has already been created", realmName))
			return nil
		}
		return fmt.Errorf("error creating realm: %w", err)
	}
	return nil
}

type KeycloakArgs struct {
	KeycloakServerUrl string

	KeycloakAdminUsername string
	KeycloakAdminPassword string

	OwnerName     string
	OwnerEmail    string
	OwnerPassword string

	SslLogin bool
	CertFile string
	KeyFile  string
}

func NewKeycloakIdentityProvider(db *gorm.DB, auditLog AuditLogger, args KeycloakArgs) (IdentityProvider, error) {
	realm := "NutriStudio"

	client := gocloak.NewClient(args.KeycloakServerUrl)
	restyClient := client.RestyClient()

	if args.SslLogin {
		cert, err := tls.LoadX509KeyPair(args.CertFile, args.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading cert: %w", err)
		}
		restyClient.SetCertificates(cert)
	} else {
		restyClient.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	adminToken, err := adminLogin(client, args.KeycloakAdminUsername, args.KeycloakAdminPassword)
	if err != nil {
		slog.Error("KEYCLOAK: admin login failed", "error", err)
		return nil, err
	}

	if err := createRealm(client, adminToken, realm); err != nil {
		slog.Error("KEYCLOAK: realm creation failed", "error", err)
		return nil, err
	}

	provider := &KeycloakIdentityProvider{
		keycloak:      client,
		db:            db,
		auditLog:      auditLog,
		realm:         realm,
		adminUsername: args.KeycloakAdminUsername,
		adminPassword: args.KeycloakAdminPassword,
	}

	ownerId, err := provider.createKeycloakUser(adminToken, args.OwnerName, args.OwnerEmail, args.OwnerPassword)
	if err != nil && !errors.Is(err, ErrEmailAlreadyInUse) {
		slog.Error("KEYCLOAK: platform owner creation failed", "error", err)
		return nil, err
	}
	if err == nil {
		if err := addInitialOwnerToDb(db, ownerId, args.OwnerName, args.OwnerEmail, nil); err != nil {
			slog.Error("KEYCLOAK: adding platform owner to db failed", "error", err)
			return nil, err
		}
	}

	return provider, nil
}

func getToken(r *http.Request) (string, error) {
	if token := jwtauth.TokenFromHeader(r); token != "" {
		return token, nil
	}
	if token := jwtauth.TokenFromCookie(r); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("unable to find auth token")
}

func (auth *KeycloakIdentityProvider) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			token, err := getToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			userInfo, err := auth.keycloak.GetUserInfo(ctx, token, auth.realm)
			if err != nil {
				http.Error(w, fmt.Sprintf("unable to verify token with keycloak: %v", err), http.StatusUnauthorized)
				return
			}

			if userInfo.Sub == nil {
				http.Error(w, "user identifier missing in keycloak response", http.StatusInternalServerError)
				return
			}

			userUUID, err := uuid.Parse(*userInfo.Sub)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid uuid '%v' returned from keycloak: %v", *userInfo.Sub, err), http.StatusInternalServerError)
				return
			}

			user, err := schema.GetUser(userUUID, auth.db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
				slog.Error("unable to find user from keycloak id", "keycloak_id", *userInfo.Sub, "error", err)
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", *userInfo.Sub, schema.ErrDbAccessFailed), http.StatusInternalServerError)
				return
			}

			reqCtx := r.Context()
			reqCtx = context.WithValue(reqCtx, userRequestContextKey, user)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *KeycloakIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.middleware(), auth.auditLog.Middleware}
}

func (auth *KeycloakIdentityProvider) AllowDirectSignup() bool {
	return false
}

func (auth *KeycloakIdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	token, err := auth.keycloak.Login(ctx, "admin-cli", "", auth.realm, email, password)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	var user schema.User
	result := auth.db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		slog.Error("sql error looking up user by email", "error", result.Error)
		return LoginResult{}, schema.ErrDbAccessFailed
	}

	return LoginResult{UserId: user.Id, TenantId: user.TenantId, AccessToken: token.AccessToken}, nil
}

func (auth *KeycloakIdentityProvider) checkExistingUsers(adminToken, email string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	users, err := auth.keycloak.GetUsers(ctx, adminToken, auth.realm, gocloak.GetUsersParams{
		Email: &email,
		Max:   intArg(1),
	})
	if err != nil {
		return fmt.Errorf("unable to get users: %w", err)
	}

	if len(users) > 0 {
		return ErrEmailAlreadyInUse
	}

	return nil
}

func (auth *KeycloakIdentityProvider) createKeycloakUser(adminToken, name, email, password string) (uuid.UUID, error) {
	if err := auth.checkExistingUsers(adminToken, email); err != nil {
		return uuid.Nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	userId, err := auth.keycloak.CreateUser(ctx, adminToken, auth.realm, gocloak.User{
		Username:      &email,
		Email:         &email,
		FirstName:     &name,
		Enabled:       boolArg(true),
		EmailVerified: boolArg(true),
		Credentials: &[]gocloak.CredentialRepresentation{{
			Type: strArg("password"), Value: &password, Temporary: boolArg(false),
		}},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("error creating new user in keycloak: %w", err)
	}

	userUUID, err := uuid.Parse(userId)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid '%v' returned from keycloak: %w", userId, err)
	}

	return userUUID, nil
}

func (auth *KeycloakIdentityProvider) SignupTenant(tenantName, name, email, password string) (SignupResult, error) {
	adminToken, err := adminLogin(auth.keycloak, auth.adminUsername, auth.adminPassword)
	if err != nil {
		return SignupResult{}, err
	}

	userUUID, err := auth.createKeycloakUser(adminToken, name, email, password)
	if err != nil {
		return SignupResult{}, err
	}

	tenant := schema.Tenant{Id: uuid.New(), Name: tenantName}
	admin := schema.User{
		Id:       userUUID,
		TenantId: tenant.Id,
		Name:     name,
		Email:    email,
		Role:     schema.RoleTenantAdmin,
	}

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		var existingTenant schema.Tenant
		result := txn.Limit(1).Find(&existingTenant, "name = ?", tenantName)
		if result.Error != nil {
			slog.Error("sql error checking for existing tenant name", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return ErrTenantAlreadyExists
		}

		if result := txn.Create(&tenant); result.Error != nil {
			slog.Error("sql error creating new tenant", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result := txn.Create(&admin); result.Error != nil {
			slog.Error("sql error creating tenant admin user", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return SignupResult{}, fmt.Errorf("error signing up tenant: %w", err)
	}

	return SignupResult{TenantId: tenant.Id, UserId: admin.Id}, nil
}

func (auth *KeycloakIdentityProvider) CreateUser(tenantId uuid.UUID, role schema.Role, name, email, password string) (uuid.UUID, error) {
	if err := schema.CheckValidRole(role); err != nil {
		return uuid.Nil, err
	}

	adminToken, err := adminLogin(auth.keycloak, auth.adminUsername, auth.adminPassword)
	if err != nil {
		return uuid.Nil, err
	}

	userUUID, err := auth.createKeycloakUser(adminToken, name, email, password)
	if err != nil {
		return uuid.Nil, err
	}

	user := schema.User{
		Id:       userUUID,
		TenantId: tenantId,
		Name:     name,
		Email:    email,
		Role:     role,
	}

	result := auth.db.Create(&user)
	if result.Error != nil {
		slog.Error("sql error creating user in keycloak identity provider", "error", result.Error)
		return uuid.Nil, schema.ErrDbAccessFailed
	}

	return userUUID, nil
}

func (auth *KeycloakIdentityProvider) DeleteUser(userId uuid.UUID) error {
	adminToken, err := adminLogin(auth.keycloak, auth.adminUsername, auth.adminPassword)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = auth.keycloak.DeleteUser(ctx, adminToken, auth.realm, userId.String())
	if err != nil {
		slog.Error("failed to delete user with keycloak", "user_id", userId, "error", err)
		return fmt.Errorf("failed to delete user with keycloak: %w", err)
	}

	return nil
}

func (auth *KeycloakIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	authToken, err := getToken(r)
	if err != nil {
		return time.Time{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tokenInfo, _, err := auth.keycloak.DecodeAccessToken(ctx, authToken, auth.realm)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to verify token with keycloak: %w", err)
	}

	exp, err := tokenInfo.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("error getting token expiration: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("no token expiration found")
	}

	return exp.Time, nil
}
