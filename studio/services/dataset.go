package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
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

type DatasetService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *DatasetService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourceDataset))
		r.Get("/foods", s.SearchFoods)
		r.Get("/foods/{food_id}", s.GetFood)
		r.Get("/releases", s.ListReleases)
		r.Get("/releases/current", s.CurrentRelease)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionCreate, auth.ResourceDataset))
		r.Post("/foods", s.CreateFood)
		r.Post("/releases", s.CreateRelease)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionUpdate, auth.ResourceDataset))
		r.Post("/releases/{release_id}/nutrients", s.AddNutrients)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionPublish, auth.ResourceDataset))
		r.Post("/releases/{release_id}/publish", s.PublishRelease)
	})

	return r
}

type createFoodRequest struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Aliases  []string `json:"aliases,omitempty"`
}

type createFoodResponse struct {
	FoodId uuid.UUID `json:"food_id"`
}

func (s *DatasetService) CreateFood(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createFoodRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" || params.Category == "" {
		http.Error(w, "food name and category are required", http.StatusUnprocessableEntity)
		return
	}

	food := schema.FoodCanonical{
		Id:       uuid.New(),
		TenantId: user.TenantId,
		Name:     params.Name,
		Category: params.Category,
	}
	for _, alias := range params.Aliases {
		food.Aliases = append(food.Aliases, schema.FoodAlias{FoodId: food.Id, Alias: alias})
	}

	result := s.db.Create(&food)
	if result.Error != nil {
		slog.Error("sql error creating food", "error", result.Error)
		http.Error(w, fmt.Sprintf("error creating food: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createFoodResponse{FoodId: food.Id})
}

type FoodInfo struct {
	Id       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
	Aliases  []string  `json:"aliases"`
}

func convertToFoodInfo(food *schema.FoodCanonical) FoodInfo {
	aliases := make([]string, 0, len(food.Aliases))
	for _, a := range food.Aliases {
		aliases = append(aliases, a.Alias)
	}
	return FoodInfo{Id: food.Id, Name: food.Name, Category: food.Category, Aliases: aliases}
}

// SearchFoods matches the query against canonical names and aliases. With no
// query it lists the tenant's foods.
func (s *DatasetService) SearchFoods(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Preload("Aliases").Where("tenant_id = ?", user.TenantId)

	if term := strings.TrimSpace(r.URL.Query().Get("q")); term != "" {
		pattern := "%" + strings.ToLower(term) + "%"
		query = query.Where(
			"LOWER(name) LIKE ? OR id IN (?)",
			pattern,
			s.db.Model(&schema.FoodAlias{}).Select("food_id").Where("LOWER(alias) LIKE ?", pattern),
		)
	}

	var foods []schema.FoodCanonical
	result := query.Order("name").Find(&foods)
	if result.Error != nil {
		slog.Error("sql error searching foods", "error", result.Error)
		http.Error(w, fmt.Sprintf("error searching foods: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]FoodInfo, 0, len(foods))
	for _, f := range foods {
		infos = append(infos, convertToFoodInfo(&f))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *DatasetService) GetFood(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	foodId, err := utils.URLParamUUID(r, "food_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
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

	utils.WriteJsonResponse(w, convertToFoodInfo(&food))
}

type createReleaseRequest struct {
	Name string `json:"name"`
}

type createReleaseResponse struct {
	ReleaseId uuid.UUID `json:"release_id"`
}

func (s *DatasetService) CreateRelease(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createReleaseRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" {
		http.Error(w, "release name is required", http.StatusUnprocessableEntity)
		return
	}

	release := schema.DatasetRelease{
		Id:       uuid.New(),
		TenantId: user.TenantId,
		Name:     params.Name,
		Status:   schema.StatusDraft,
	}

	result := s.db.Create(&release)
	if result.Error != nil {
		slog.Error("sql error creating dataset release", "error", result.Error)
		http.Error(w, fmt.Sprintf("error creating release: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createReleaseResponse{ReleaseId: release.Id})
}

type ReleaseInfo struct {
	Id          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func convertToReleaseInfo(release *schema.DatasetRelease) ReleaseInfo {
	return ReleaseInfo{
		Id:          release.Id,
		Name:        release.Name,
		Status:      release.Status,
		PublishedAt: release.PublishedAt,
	}
}

func (s *DatasetService) ListReleases(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var releases []schema.DatasetRelease
	result := s.db.Where("tenant_id = ?", user.TenantId).Order("created_at DESC").Find(&releases)
	if result.Error != nil {
		slog.Error("sql error listing releases", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing releases: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ReleaseInfo, 0, len(releases))
	for _, rel := range releases {
		infos = append(infos, convertToReleaseInfo(&rel))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *DatasetService) CurrentRelease(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	release, err := schema.GetCurrentRelease(user.TenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrReleaseNotFound) {
			http.Error(w, "no published release", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting current release: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToReleaseInfo(&release))
}

type nutrientRow struct {
	FoodId    uuid.UUID           `json:"food_id"`
	Nutrients nutrition.Nutrients `json:"nutrients"`
}

type addNutrientsRequest struct {
	Rows []nutrientRow `json:"rows"`
}

// AddNutrients loads per-100g nutrient rows into a draft release. Published
// releases reject writes.
func (s *DatasetService) AddNutrients(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	releaseId, err := utils.URLParamUUID(r, "release_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params addNutrientsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		release, err := schema.GetRelease(releaseId, user.TenantId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrReleaseNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if release.Status != schema.StatusDraft {
			return CodedError(fmt.Errorf("release %v is published and cannot be modified", releaseId), http.StatusConflict)
		}

		for _, row := range params.Rows {
			if err := checkFoodExists(txn, row.FoodId, user.TenantId); err != nil {
				return err
			}

			if err := nutrition.Validate(row.Nutrients); err != nil {
				return CodedError(err, http.StatusUnprocessableEntity)
			}

			encoded, err := schema.EncodeNutrients(row.Nutrients)
			if err != nil {
				return CodedError(err, http.StatusUnprocessableEntity)
			}

			nutrient := schema.FoodNutrient{ReleaseId: releaseId, FoodId: row.FoodId, Nutrients: encoded}
			if result := txn.Save(&nutrient); result.Error != nil {
				slog.Error("sql error saving nutrient row", "release_id", releaseId, "food_id", row.FoodId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error adding nutrients: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// PublishRelease transitions a draft release to published. The conditional
// update guards against two concurrent publishes of the same release.
func (s *DatasetService) PublishRelease(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	releaseId, err := utils.URLParamUUID(r, "release_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		release, err := schema.GetRelease(releaseId, user.TenantId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrReleaseNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if release.Status != schema.StatusDraft {
			return CodedError(fmt.Errorf("release %v has already been published", releaseId), http.StatusBadRequest)
		}

		var count int64
		if result := txn.Model(&schema.FoodNutrient{}).Where("release_id = ?", releaseId).Count(&count); result.Error != nil {
			slog.Error("sql error counting nutrient rows", "release_id", releaseId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if count == 0 {
			return CodedError(errors.New("cannot publish an empty release"), http.StatusUnprocessableEntity)
		}

		now := time.Now().UTC()
		result := txn.Model(&schema.DatasetRelease{}).
			Where("id = ? AND status = ?", releaseId, schema.StatusDraft).
			Updates(map[string]interface{}{"status": schema.StatusPublished, "published_at": now})
		if result.Error != nil {
			slog.Error("sql error publishing release", "release_id", releaseId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("release %v has already been published", releaseId), http.StatusBadRequest)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error publishing release: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("published dataset release", "code", logging.DATASET_IMPORT, "release_id", releaseId, "tenant_id", user.TenantId)

	utils.WriteSuccess(w)
}
