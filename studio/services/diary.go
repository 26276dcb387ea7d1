package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nutristudio_platform/nutrition"
	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/utils"
	"nutristudio_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var mealTypes = map[string]struct{}{
	"breakfast": {},
	"lunch":     {},
	"snack":     {},
	"dinner":    {},
	"supper":    {},
}

type DiaryService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *DiaryService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	// Writes are not gated on the patient update grant at the router because
	// patients log their own diary. The handlers allow the owning patient,
	// subject to the same day rule, and staff with update rights on patients.
	r.Post("/{patient_id}/items", s.AddItem)
	r.Delete("/{patient_id}/items/{item_id}", s.DeleteItem)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourcePatient))
		r.Get("/{patient_id}/day/{date}", s.GetDay)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionExport, auth.ResourcePatient))
		r.Get("/{patient_id}/export", s.ExportCsv)
	})

	return r
}

// checkDiaryAccess verifies the caller may touch the patient's diary. Patients
// only reach their own record, a mismatch reads as not found.
func (s *DiaryService) checkDiaryAccess(txn *gorm.DB, user schema.User, patientId uuid.UUID) error {
	patient, err := schema.GetPatient(patientId, user.TenantId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrPatientNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}

	if user.Role == schema.RolePatient {
		if patient.UserId == nil || *patient.UserId != user.Id {
			return CodedError(schema.ErrPatientNotFound, http.StatusNotFound)
		}
	}

	return nil
}

// checkDiaryWrite allows the owning patient to write their own diary and
// requires the patient update grant for everyone else.
func checkDiaryWrite(user schema.User) error {
	if user.Role == schema.RolePatient {
		return nil
	}
	if !auth.Can(user.Role, auth.ActionUpdate, auth.ResourcePatient) {
		return CodedError(fmt.Errorf("role %v is not allowed to update patient diaries", user.Role), http.StatusForbidden)
	}
	return nil
}

// checkSameDay enforces that patients only write today's diary, in UTC server
// time. Staff edit any date.
func checkSameDay(user schema.User, date string) error {
	if user.Role != schema.RolePatient {
		return nil
	}
	if date != today() {
		return CodedError(fmt.Errorf("diary entries for %v can no longer be changed", date), http.StatusForbidden)
	}
	return nil
}

type addItemRequest struct {
	Date     string    `json:"date"`
	MealType string    `json:"meal_type"`
	FoodId   uuid.UUID `json:"food_id"`
	Grams    float64   `json:"grams"`
}

type addItemResponse struct {
	ItemId     uuid.UUID `json:"item_id"`
	MealId     uuid.UUID `json:"meal_id"`
	SnapshotId uuid.UUID `json:"snapshot_id"`
	Source     string    `json:"source"`
}

// AddItem records a food in the patient's diary. The meal for the
// (date, meal type) slot is created lazily, and the food's nutrients are
// frozen into a snapshot resolved through the patient's active policy and the
// tenant's current published release.
func (s *DiaryService) AddItem(w http.ResponseWriter, r *http.Request) {
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

	var params addItemRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if _, ok := mealTypes[params.MealType]; !ok {
		http.Error(w, fmt.Sprintf("invalid meal_type '%v'", params.MealType), http.StatusUnprocessableEntity)
		return
	}
	if params.Grams <= 0 {
		http.Error(w, "grams must be positive", http.StatusUnprocessableEntity)
		return
	}
	if params.Date == "" {
		params.Date = today()
	} else if _, err := parseMealDate(params.Date); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	var res addItemResponse

	if err := checkDiaryWrite(user); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := s.checkDiaryAccess(txn, user, patientId); err != nil {
			return err
		}

		if err := checkSameDay(user, params.Date); err != nil {
			return err
		}

		meal, err := s.getOrCreateMeal(txn, user.TenantId, patientId, params.Date, params.MealType)
		if err != nil {
			return err
		}

		snapshot, err := s.createSnapshot(txn, user.TenantId, patientId, params.FoodId)
		if err != nil {
			return err
		}

		item := schema.MealItem{
			Id:         uuid.New(),
			TenantId:   user.TenantId,
			MealId:     meal.Id,
			FoodId:     params.FoodId,
			SnapshotId: snapshot.Id,
			Grams:      params.Grams,
		}
		if result := txn.Create(&item); result.Error != nil {
			slog.Error("sql error creating meal item", "meal_id", meal.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		res = addItemResponse{ItemId: item.Id, MealId: meal.Id, SnapshotId: snapshot.Id, Source: snapshot.Source}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error adding diary item: %v", err), GetResponseCode(err))
		return
	}

	diaryWriteMetric.Observe(1)
	slog.Info("recorded diary item", "code", logging.DIARY_WRITE, "item_id", res.ItemId, "patient_id", patientId)

	utils.WriteJsonResponse(w, res)
}

func (s *DiaryService) getOrCreateMeal(txn *gorm.DB, tenantId, patientId uuid.UUID, date, mealType string) (schema.Meal, error) {
	var meal schema.Meal
	result := txn.Limit(1).Find(&meal, "patient_id = ? AND date = ? AND meal_type = ?", patientId, date, mealType)
	if result.Error != nil {
		slog.Error("sql error finding meal slot", "patient_id", patientId, "error", result.Error)
		return meal, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected != 0 {
		return meal, nil
	}

	meal = schema.Meal{
		Id:        uuid.New(),
		TenantId:  tenantId,
		PatientId: patientId,
		Date:      date,
		MealType:  mealType,
	}
	if result := txn.Create(&meal); result.Error != nil {
		slog.Error("sql error creating meal", "patient_id", patientId, "error", result.Error)
		return meal, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	return meal, nil
}

// createSnapshot freezes a food's per-100g nutrients for a diary item. The
// source comes from the patient's active policy, or the platform fallback when
// no policy is active. The values come from the tenant's current published
// release.
func (s *DiaryService) createSnapshot(txn *gorm.DB, tenantId, patientId, foodId uuid.UUID) (schema.FoodNutrientSnapshot, error) {
	var snapshot schema.FoodNutrientSnapshot

	food, err := schema.GetFood(foodId, tenantId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrFoodNotFound) {
			return snapshot, CodedError(err, http.StatusNotFound)
		}
		return snapshot, CodedError(err, http.StatusInternalServerError)
	}

	source := fallbackSource
	policy, err := schema.GetActivePolicy(patientId, tenantId, txn)
	if err == nil {
		source, err = resolveSource(&policy, &food)
		if err != nil {
			return snapshot, CodedError(err, http.StatusUnprocessableEntity)
		}
	} else if errors.Is(err, schema.ErrPolicyNotFound) {
		slog.Info("patient has no active data source policy, using fallback source",
			"patient_id", patientId, "source", fallbackSource)
	} else {
		return snapshot, CodedError(err, http.StatusInternalServerError)
	}

	release, err := schema.GetCurrentRelease(tenantId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrReleaseNotFound) {
			return snapshot, CodedError(errors.New("no published dataset release"), http.StatusUnprocessableEntity)
		}
		return snapshot, CodedError(err, http.StatusInternalServerError)
	}

	var row schema.FoodNutrient
	result := txn.Limit(1).Find(&row, "release_id = ? AND food_id = ?", release.Id, foodId)
	if result.Error != nil {
		slog.Error("sql error loading nutrient row", "release_id", release.Id, "food_id", foodId, "error", result.Error)
		return snapshot, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 {
		return snapshot, CodedError(fmt.Errorf("food %v has no nutrient data in release %v", foodId, release.Id), http.StatusUnprocessableEntity)
	}

	snapshot = schema.FoodNutrientSnapshot{
		Id:        uuid.New(),
		TenantId:  tenantId,
		PatientId: patientId,
		FoodId:    foodId,
		Source:    source,
		ReleaseId: release.Id,
		Nutrients: row.Nutrients,
	}
	if result := txn.Create(&snapshot); result.Error != nil {
		slog.Error("sql error creating nutrient snapshot", "food_id", foodId, "error", result.Error)
		return snapshot, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	return snapshot, nil
}

func (s *DiaryService) DeleteItem(w http.ResponseWriter, r *http.Request) {
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

	itemId, err := utils.URLParamUUID(r, "item_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkDiaryWrite(user); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := s.checkDiaryAccess(txn, user, patientId); err != nil {
			return err
		}

		var item schema.MealItem
		result := txn.Joins("JOIN meals ON meals.id = meal_items.meal_id").
			Where("meal_items.id = ? AND meals.patient_id = ?", itemId, patientId).
			Limit(1).Find(&item)
		if result.Error != nil {
			slog.Error("sql error finding meal item", "item_id", itemId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(schema.ErrMealItemNotFound, http.StatusNotFound)
		}

		var meal schema.Meal
		if result := txn.First(&meal, "id = ?", item.MealId); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return CodedError(schema.ErrMealNotFound, http.StatusNotFound)
			}
			slog.Error("sql error loading meal for item", "meal_id", item.MealId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := checkSameDay(user, meal.Date); err != nil {
			return err
		}

		if result := txn.Delete(&schema.MealItem{Id: itemId}); result.Error != nil {
			slog.Error("sql error deleting meal item", "item_id", itemId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting diary item: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type DiaryItemInfo struct {
	Id        uuid.UUID           `json:"id"`
	FoodId    uuid.UUID           `json:"food_id"`
	FoodName  string              `json:"food_name"`
	Grams     float64             `json:"grams"`
	Source    string              `json:"source"`
	Nutrients nutrition.Nutrients `json:"nutrients"`
}

type DiaryMealInfo struct {
	Id       uuid.UUID           `json:"id"`
	MealType string              `json:"meal_type"`
	Items    []DiaryItemInfo     `json:"items"`
	Totals   nutrition.Nutrients `json:"totals"`
}

type DiaryDayResponse struct {
	Date   string              `json:"date"`
	Meals  []DiaryMealInfo     `json:"meals"`
	Totals nutrition.Nutrients `json:"totals"`
}

// GetDay returns the patient's meals for one date with scaled nutrients per
// item and summed totals per meal and for the day.
func (s *DiaryService) GetDay(w http.ResponseWriter, r *http.Request) {
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

	date, err := utils.URLParamDate(r, "date")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.checkDiaryAccess(s.db, user, patientId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var meals []schema.Meal
	result := s.db.Preload("Items").Preload("Items.Food").Preload("Items.Snapshot").
		Where("patient_id = ? AND date = ?", patientId, date).
		Order("meal_type").
		Find(&meals)
	if result.Error != nil {
		slog.Error("sql error loading diary day", "patient_id", patientId, "date", date, "error", result.Error)
		http.Error(w, fmt.Sprintf("error loading diary: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	res := DiaryDayResponse{Date: date, Meals: make([]DiaryMealInfo, 0, len(meals))}
	var dayTotals []nutrition.Nutrients

	for _, meal := range meals {
		mealInfo := DiaryMealInfo{Id: meal.Id, MealType: meal.MealType, Items: make([]DiaryItemInfo, 0, len(meal.Items))}
		var mealTotals []nutrition.Nutrients

		for _, item := range meal.Items {
			per100, err := item.Snapshot.NutrientValues()
			if err != nil {
				http.Error(w, fmt.Sprintf("error decoding snapshot: %v", err), http.StatusInternalServerError)
				return
			}

			scaled := nutrition.Scale(per100, item.Grams)
			mealTotals = append(mealTotals, scaled)

			foodName := ""
			if item.Food != nil {
				foodName = item.Food.Name
			}

			mealInfo.Items = append(mealInfo.Items, DiaryItemInfo{
				Id:        item.Id,
				FoodId:    item.FoodId,
				FoodName:  foodName,
				Grams:     item.Grams,
				Source:    item.Snapshot.Source,
				Nutrients: scaled,
			})
		}

		mealInfo.Totals = nutrition.Sum(mealTotals...)
		dayTotals = append(dayTotals, mealTotals...)
		res.Meals = append(res.Meals, mealInfo)
	}

	res.Totals = nutrition.Sum(dayTotals...)

	utils.WriteJsonResponse(w, res)
}

// ExportCsv writes the patient's diary between the from and to dates as CSV.
// Energy is rounded to whole kcal, macros to one decimal.
func (s *DiaryService) ExportCsv(w http.ResponseWriter, r *http.Request) {
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

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if _, err := parseMealDate(from); err != nil {
		http.Error(w, fmt.Sprintf("invalid 'from' date: %v", err), http.StatusBadRequest)
		return
	}
	if _, err := parseMealDate(to); err != nil {
		http.Error(w, fmt.Sprintf("invalid 'to' date: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.checkDiaryAccess(s.db, user, patientId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var meals []schema.Meal
	result := s.db.Preload("Items").Preload("Items.Food").Preload("Items.Snapshot").
		Where("patient_id = ? AND date >= ? AND date <= ?", patientId, from, to).
		Order("date, meal_type").
		Find(&meals)
	if result.Error != nil {
		slog.Error("sql error loading diary for export", "patient_id", patientId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error exporting diary: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"diario_%v_%v.csv\"", from, to))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"data", "refeicao", "alimento", "gramas", "kcal", "proteina_g", "carbo_g", "gordura_g"}); err != nil {
		slog.Error("error writing csv header", "error", err)
		return
	}

	for _, meal := range meals {
		for _, item := range meal.Items {
			per100, err := item.Snapshot.NutrientValues()
			if err != nil {
				slog.Error("error decoding snapshot during export", "snapshot_id", item.SnapshotId, "error", err)
				return
			}
			scaled := nutrition.Scale(per100, item.Grams)

			foodName := ""
			if item.Food != nil {
				foodName = item.Food.Name
			}

			row := []string{
				meal.Date,
				meal.MealType,
				foodName,
				fmt.Sprintf("%.1f", item.Grams),
				fmt.Sprintf("%.0f", scaled["kcal"]),
				fmt.Sprintf("%.1f", scaled["protein_g"]),
				fmt.Sprintf("%.1f", scaled["carbs_g"]),
				fmt.Sprintf("%.1f", scaled["fat_g"]),
			}
			if err := writer.Write(row); err != nil {
				slog.Error("error writing csv row", "error", err)
				return
			}
		}
	}

	diaryExportMetric.Observe(1)
}
