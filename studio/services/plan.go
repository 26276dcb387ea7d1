package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/utils"
	"nutristudio_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PlanService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *PlanService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionCreate, auth.ResourcePlan))
		r.Post("/create", s.Create)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionUpdate, auth.ResourcePlan))
		r.Post("/{plan_id}/versions", s.CreateVersion)
		r.Post("/{plan_id}/versions/{version_id}/update", s.UpdateVersion)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourcePlan))
		r.Get("/{plan_id}/versions", s.ListVersions)
		r.Get("/patient/{patient_id}/current", s.CurrentForPatient)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionApprove, auth.ResourcePlan))
		r.Post("/{plan_id}/versions/{version_id}/approve", s.ApproveVersion)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionPublish, auth.ResourcePlan))
		r.Post("/{plan_id}/versions/{version_id}/publish", s.PublishVersion)
	})

	return r
}

type createPlanRequest struct {
	PatientId uuid.UUID `json:"patient_id"`
}

type createPlanResponse struct {
	PlanId uuid.UUID `json:"plan_id"`
}

// Create starts a plan for a patient. Each patient has at most one plan, a
// second create returns a conflict.
func (s *PlanService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createPlanRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	plan := schema.Plan{
		Id:        uuid.New(),
		TenantId:  user.TenantId,
		PatientId: params.PatientId,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkPatientExists(txn, params.PatientId, user.TenantId); err != nil {
			return err
		}

		var existing schema.Plan
		result := txn.Limit(1).Find(&existing, "patient_id = ?", params.PatientId)
		if result.Error != nil {
			slog.Error("sql error checking for existing plan", "patient_id", params.PatientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(fmt.Errorf("patient %v already has a plan", params.PatientId), http.StatusConflict)
		}

		if result := txn.Create(&plan); result.Error != nil {
			slog.Error("sql error creating plan", "patient_id", params.PatientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating plan: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, createPlanResponse{PlanId: plan.Id})
}

type createVersionRequest struct {
	Content string `json:"content"`
}

type createVersionResponse struct {
	VersionId uuid.UUID `json:"version_id"`
	VersionNo int       `json:"version_no"`
}

func (s *PlanService) CreateVersion(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	planId, err := utils.URLParamUUID(r, "plan_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params createVersionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	version := schema.PlanVersion{
		Id:        uuid.New(),
		PlanId:    planId,
		Status:    schema.StatusDraft,
		Content:   params.Content,
		CreatedBy: user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetPlan(planId, user.TenantId, txn); err != nil {
			if errors.Is(err, schema.ErrPlanNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		var maxVersion int
		row := txn.Model(&schema.PlanVersion{}).Where("plan_id = ?", planId).Select("COALESCE(MAX(version_no), 0)").Row()
		if err := row.Scan(&maxVersion); err != nil {
			slog.Error("sql error finding max plan version", "plan_id", planId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		version.VersionNo = maxVersion + 1

		if result := txn.Create(&version); result.Error != nil {
			slog.Error("sql error creating plan version", "plan_id", planId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating plan version: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, createVersionResponse{VersionId: version.Id, VersionNo: version.VersionNo})
}

func (s *PlanService) getVersion(txn *gorm.DB, planId, versionId, tenantId uuid.UUID) (schema.PlanVersion, error) {
	var version schema.PlanVersion

	if _, err := schema.GetPlan(planId, tenantId, txn); err != nil {
		if errors.Is(err, schema.ErrPlanNotFound) {
			return version, CodedError(err, http.StatusNotFound)
		}
		return version, CodedError(err, http.StatusInternalServerError)
	}

	result := txn.Limit(1).Find(&version, "id = ? AND plan_id = ?", versionId, planId)
	if result.Error != nil {
		slog.Error("sql error loading plan version", "version_id", versionId, "error", result.Error)
		return version, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 {
		return version, CodedError(errors.New("plan version not found"), http.StatusNotFound)
	}

	return version, nil
}

func (s *PlanService) UpdateVersion(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	planId, err := utils.URLParamUUID(r, "plan_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	versionId, err := utils.URLParamUUID(r, "version_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params createVersionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		version, err := s.getVersion(txn, planId, versionId, user.TenantId)
		if err != nil {
			return err
		}

		if version.Status != schema.StatusDraft {
			return CodedError(errors.New("only draft versions can be edited"), http.StatusConflict)
		}

		result := txn.Model(&schema.PlanVersion{Id: versionId}).Update("content", params.Content)
		if result.Error != nil {
			slog.Error("sql error updating plan version", "version_id", versionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating plan version: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *PlanService) ApproveVersion(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	planId, err := utils.URLParamUUID(r, "plan_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	versionId, err := utils.URLParamUUID(r, "version_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		version, err := s.getVersion(txn, planId, versionId, user.TenantId)
		if err != nil {
			return err
		}

		if version.Status != schema.StatusDraft {
			return CodedError(errors.New("only draft versions can be approved"), http.StatusConflict)
		}

		var existing schema.PlanApproval
		result := txn.Limit(1).Find(&existing, "plan_version_id = ?", versionId)
		if result.Error != nil {
			slog.Error("sql error checking for existing approval", "version_id", versionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(errors.New("version has already been approved"), http.StatusConflict)
		}

		approval := schema.PlanApproval{
			Id:            uuid.New(),
			PlanVersionId: versionId,
			ApproverId:    user.Id,
			ApprovedAt:    time.Now().UTC(),
		}
		if result := txn.Create(&approval); result.Error != nil {
			slog.Error("sql error creating plan approval", "version_id", versionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error approving plan version: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// PublishVersion transitions a draft to published. Publication is terminal and
// atomic: the status flip, the approval (if missing), and the publication
// record are all written in one transaction. The conditional update protects
// against two concurrent publishes, the loser sees a version that is no longer
// a draft.
func (s *PlanService) PublishVersion(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	planId, err := utils.URLParamUUID(r, "plan_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	versionId, err := utils.URLParamUUID(r, "version_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		version, err := s.getVersion(txn, planId, versionId, user.TenantId)
		if err != nil {
			return err
		}

		if version.Status != schema.StatusDraft {
			return CodedError(fmt.Errorf("versão %v já publicada", version.VersionNo), http.StatusBadRequest)
		}

		// Only the plan's most recent version can be published, an older
		// draft publishing after a newer version would roll the patient back.
		var latest schema.PlanVersion
		latestResult := txn.Order("version_no desc").Limit(1).Find(&latest, "plan_id = ?", planId)
		if latestResult.Error != nil {
			slog.Error("sql error loading latest plan version", "plan_id", planId, "error", latestResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if latest.Id != version.Id {
			return CodedError(fmt.Errorf("versão %v não é a versão mais recente do plano", version.VersionNo), http.StatusBadRequest)
		}

		result := txn.Model(&schema.PlanVersion{}).
			Where("id = ? AND status = ?", versionId, schema.StatusDraft).
			Update("status", schema.StatusPublished)
		if result.Error != nil {
			slog.Error("sql error publishing plan version", "version_id", versionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("versão %v já publicada", version.VersionNo), http.StatusBadRequest)
		}

		now := time.Now().UTC()

		var approval schema.PlanApproval
		found := txn.Limit(1).Find(&approval, "plan_version_id = ?", versionId)
		if found.Error != nil {
			slog.Error("sql error checking approval before publish", "version_id", versionId, "error", found.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if found.RowsAffected == 0 {
			approval = schema.PlanApproval{
				Id:            uuid.New(),
				PlanVersionId: versionId,
				ApproverId:    user.Id,
				ApprovedAt:    now,
			}
			if result := txn.Create(&approval); result.Error != nil {
				slog.Error("sql error creating approval during publish", "version_id", versionId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		publication := schema.PlanPublication{
			Id:            uuid.New(),
			PlanVersionId: versionId,
			PublisherId:   user.Id,
			PublishedAt:   now,
		}
		if result := txn.Create(&publication); result.Error != nil {
			slog.Error("sql error creating plan publication", "version_id", versionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error publishing plan version: %v", err), GetResponseCode(err))
		return
	}

	planPublishMetric.Observe(1)
	slog.Info("published plan version", "code", logging.PLAN_PUBLISH, "plan_id", planId, "version_id", versionId, "publisher", user.Id)

	utils.WriteSuccess(w)
}

type PlanVersionInfo struct {
	Id        uuid.UUID `json:"id"`
	VersionNo int       `json:"version_no"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func convertToVersionInfo(version *schema.PlanVersion) PlanVersionInfo {
	return PlanVersionInfo{
		Id:        version.Id,
		VersionNo: version.VersionNo,
		Status:    version.Status,
		Content:   version.Content,
		CreatedAt: version.CreatedAt,
	}
}

func (s *PlanService) ListVersions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	planId, err := utils.URLParamUUID(r, "plan_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := schema.GetPlan(planId, user.TenantId, s.db); err != nil {
		if errors.Is(err, schema.ErrPlanNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting plan: %v", err), http.StatusInternalServerError)
		return
	}

	var versions []schema.PlanVersion
	result := s.db.Where("plan_id = ?", planId).Order("version_no").Find(&versions)
	if result.Error != nil {
		slog.Error("sql error listing plan versions", "plan_id", planId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing versions: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]PlanVersionInfo, 0, len(versions))
	for _, v := range versions {
		infos = append(infos, convertToVersionInfo(&v))
	}
	utils.WriteJsonResponse(w, infos)
}

// CurrentForPatient returns the latest published version of the patient's
// plan. Patients only reach their own plan.
func (s *PlanService) CurrentForPatient(w http.ResponseWriter, r *http.Request) {
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

	patient, err := schema.GetPatient(patientId, user.TenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrPatientNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting patient: %v", err), http.StatusInternalServerError)
		return
	}

	if user.Role == schema.RolePatient {
		if patient.UserId == nil || *patient.UserId != user.Id {
			http.Error(w, schema.ErrPatientNotFound.Error(), http.StatusNotFound)
			return
		}
	}

	plan, err := schema.GetPlanForPatient(patientId, user.TenantId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrPlanNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting plan: %v", err), http.StatusInternalServerError)
		return
	}

	var version schema.PlanVersion
	result := s.db.Where("plan_id = ? AND status = ?", plan.Id, schema.StatusPublished).
		Order("version_no DESC").
		Limit(1).Find(&version)
	if result.Error != nil {
		slog.Error("sql error loading current plan version", "plan_id", plan.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting current version: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, "plan has no published version", http.StatusNotFound)
		return
	}

	utils.WriteJsonResponse(w, convertToVersionInfo(&version))
}
