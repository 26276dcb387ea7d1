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

type UserService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if s.userAuth.AllowDirectSignup() {
			r.Post("/signup", s.Signup)
		}

		r.Get("/login", s.LoginWithEmail)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
		r.Get("/token-expiration", s.TokenExpiration)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly())

		r.Get("/list", s.List)
		r.Post("/create", s.CreateUser)
		r.Delete("/{user_id}", s.DeleteUser)
	})

	return r
}

type signupRequest struct {
	StudioName string `json:"studio_name"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type signupResponse struct {
	TenantId uuid.UUID `json:"tenant_id"`
	UserId   uuid.UUID `json:"user_id"`
}

// Signup registers a new studio and its first admin user in one step.
func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.userAuth.AllowDirectSignup() {
		http.Error(w, "direct signup is not supported for this identity provider", http.StatusBadRequest)
		return
	}

	if params.StudioName == "" || params.Email == "" || params.Password == "" {
		http.Error(w, "studio_name, email, and password are required", http.StatusUnprocessableEntity)
		return
	}

	signup, err := s.userAuth.SignupTenant(params.StudioName, params.Name, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			responseCode = http.StatusConflict
		case errors.Is(err, auth.ErrTenantAlreadyExists):
			responseCode = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("error signing up studio: %v", err), responseCode)
		return
	}

	res := signupResponse{TenantId: signup.TenantId, UserId: signup.UserId}
	utils.WriteJsonResponse(w, res)
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	TenantId    uuid.UUID `json:"tenant_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) LoginWithEmail(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	res := loginResponse{UserId: login.UserId, TenantId: login.TenantId, AccessToken: login.AccessToken}
	utils.WriteJsonResponse(w, res)
}

type UserInfo struct {
	Id       uuid.UUID   `json:"id"`
	TenantId uuid.UUID   `json:"tenant_id"`
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Role     schema.Role `json:"role"`
}

func convertToUserInfo(user *schema.User) UserInfo {
	return UserInfo{
		Id:       user.Id,
		TenantId: user.TenantId,
		Name:     user.Name,
		Email:    user.Email,
		Role:     user.Role,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	info := convertToUserInfo(&user)
	utils.WriteJsonResponse(w, info)
}

type tokenExpirationResponse struct {
	Expiration string `json:"expiration"`
}

func (s *UserService) TokenExpiration(w http.ResponseWriter, r *http.Request) {
	exp, err := s.userAuth.GetTokenExpiration(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting token expiration: %v", err), http.StatusBadRequest)
		return
	}

	utils.WriteJsonResponse(w, tokenExpirationResponse{Expiration: exp.UTC().Format("2006-01-02T15:04:05Z")})
}

// List returns the users in the caller's studio. The platform owner sees all
// users.
func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var users []schema.User
	var result *gorm.DB
	if user.Role == schema.RoleOwner {
		result = s.db.Find(&users)
	} else {
		result = s.db.Where("tenant_id = ?", user.TenantId).Find(&users)
	}

	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing users: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, convertToUserInfo(&u))
	}
	utils.WriteJsonResponse(w, infos)
}

type createUserRequest struct {
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     schema.Role `json:"role"`
}

type createUserResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

// CreateUser adds a staff or patient user to the caller's studio. Admins
// cannot mint owners or users for other studios.
func (s *UserService) CreateUser(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Role == schema.RoleOwner {
		http.Error(w, "cannot create users with the owner role", http.StatusForbidden)
		return
	}

	if err := schema.CheckValidRole(params.Role); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.userAuth.CreateUser(user.TenantId, params.Role, params.Name, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrEmailAlreadyInUse) {
			responseCode = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), responseCode)
		return
	}

	res := createUserResponse{UserId: userId}
	utils.WriteJsonResponse(w, res)
}

func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		// Cross-studio rows are invisible to tenant admins.
		if caller.Role != schema.RoleOwner && user.TenantId != caller.TenantId {
			return CodedError(schema.ErrUserNotFound, http.StatusNotFound)
		}

		if user.Role == schema.RoleOwner {
			return CodedError(errors.New("the platform owner cannot be deleted"), http.StatusForbidden)
		}

		result := txn.Delete(&schema.User{Id: userId})
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	if err := s.userAuth.DeleteUser(userId); err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}
