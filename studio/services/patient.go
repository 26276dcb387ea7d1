package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/studio/storage"
	"nutristudio_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PatientService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	storage  storage.Storage
}

func (s *PatientService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionCreate, auth.ResourcePatient))
		r.Post("/create", s.Create)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourcePatient))
		r.Get("/list", s.List)
		r.Get("/{patient_id}", s.Get)
		r.Get("/{patient_id}/exams", s.ListExams)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionUpdate, auth.ResourcePatient))
		r.Post("/{patient_id}/update", s.Update)
		r.Post("/{patient_id}/archive", s.Archive)
		r.Post("/{patient_id}/portal-access", s.GrantPortalAccess)
		r.With(checkSufficientStorage(s.storage)).Post("/{patient_id}/exams", s.UploadExam)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionCreate, auth.ResourceConsultation))
		r.Post("/{patient_id}/consultations", s.CreateConsultation)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePermission(auth.ActionRead, auth.ResourceConsultation))
		r.Get("/{patient_id}/consultations", s.ListConsultations)
	})

	return r
}

type createPatientRequest struct {
	Name      string `json:"name"`
	BirthDate string `json:"birth_date,omitempty"`
}

type createPatientResponse struct {
	PatientId uuid.UUID `json:"patient_id"`
}

func (s *PatientService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createPatientRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" {
		http.Error(w, "patient name is required", http.StatusUnprocessableEntity)
		return
	}

	patient := schema.Patient{
		Id:       uuid.New(),
		TenantId: user.TenantId,
		Name:     params.Name,
	}

	if params.BirthDate != "" {
		birthDate, err := time.Parse("2006-01-02", params.BirthDate)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid birth_date '%v', expected YYYY-MM-DD", params.BirthDate), http.StatusUnprocessableEntity)
			return
		}
		patient.BirthDate = &birthDate
	}

	result := s.db.Create(&patient)
	if result.Error != nil {
		slog.Error("sql error creating patient", "error", result.Error)
		http.Error(w, fmt.Sprintf("error creating patient: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	slog.Info("created patient", "patient_id", patient.Id, "tenant_id", user.TenantId)

	utils.WriteJsonResponse(w, createPatientResponse{PatientId: patient.Id})
}

type PatientInfo struct {
	Id        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Archived  bool       `json:"archived"`
	HasPortal bool       `json:"has_portal"`
}

func convertToPatientInfo(patient *schema.Patient) PatientInfo {
	return PatientInfo{
		Id:        patient.Id,
		Name:      patient.Name,
		BirthDate: patient.BirthDate,
		Archived:  patient.Archived,
		HasPortal: patient.UserId != nil,
	}
}

func (s *PatientService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Where("tenant_id = ?", user.TenantId)
	if user.Role == schema.RolePatient {
		query = query.Where("user_id = ?", user.Id)
	}
	if r.URL.Query().Get("include_archived") != "true" {
		query = query.Where("archived = ?", false)
	}

	var patients []schema.Patient
	result := query.Find(&patients)
	if result.Error != nil {
		slog.Error("sql error listing patients", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing patients: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]PatientInfo, 0, len(patients))
	for _, p := range patients {
		infos = append(infos, convertToPatientInfo(&p))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *PatientService) Get(w http.ResponseWriter, r *http.Request) {
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

	// Portal users only reach their own record, a mismatch reads as not
	// found.
	if user.Role == schema.RolePatient {
		if patient.UserId == nil || *patient.UserId != user.Id {
			http.Error(w, schema.ErrPatientNotFound.Error(), http.StatusNotFound)
			return
		}
	}

	utils.WriteJsonResponse(w, convertToPatientInfo(&patient))
}

type updatePatientRequest struct {
	Name      string `json:"name"`
	BirthDate string `json:"birth_date,omitempty"`
}

func (s *PatientService) Update(w http.ResponseWriter, r *http.Request) {
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

	var params updatePatientRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		patient, err := schema.GetPatient(patientId, user.TenantId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrPatientNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if params.Name != "" {
			patient.Name = params.Name
		}
		if params.BirthDate != "" {
			birthDate, err := time.Parse("2006-01-02", params.BirthDate)
			if err != nil {
				return CodedError(fmt.Errorf("invalid birth_date '%v', expected YYYY-MM-DD", params.BirthDate), http.StatusUnprocessableEntity)
			}
			patient.BirthDate = &birthDate
		}

		result := txn.Save(&patient)
		if result.Error != nil {
			slog.Error("sql error updating patient", "patient_id", patientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating patient: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// Archive hides a patient from active lists without destroying clinical
// history.
func (s *PatientService) Archive(w http.ResponseWriter, r *http.Request) {
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

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkPatientExists(txn, patientId, user.TenantId); err != nil {
			return err
		}

		result := txn.Model(&schema.Patient{Id: patientId}).Update("archived", true)
		if result.Error != nil {
			slog.Error("sql error archiving patient", "patient_id", patientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error archiving patient: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type portalAccessRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// GrantPortalAccess provisions a patient portal login and links it to the
// patient record.
func (s *PatientService) GrantPortalAccess(w http.ResponseWriter, r *http.Request) {
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

	var params portalAccessRequest
	if !utils.ParseRequestBody(w, r, &params) {
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

	if patient.UserId != nil {
		http.Error(w, "patient already has portal access", http.StatusConflict)
		return
	}

	portalUserId, err := s.userAuth.CreateUser(user.TenantId, schema.RolePatient, patient.Name, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrEmailAlreadyInUse) {
			responseCode = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("error creating portal login: %v", err), responseCode)
		return
	}

	result := s.db.Model(&schema.Patient{Id: patientId}).Update("user_id", portalUserId)
	if result.Error != nil {
		slog.Error("sql error linking portal user to patient", "patient_id", patientId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error linking portal login: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, createUserResponse{UserId: portalUserId})
}

type createConsultationRequest struct {
	Date     string  `json:"date"`
	Notes    string  `json:"notes"`
	WeightKg float64 `json:"weight_kg"`
}

type createConsultationResponse struct {
	ConsultationId uuid.UUID `json:"consultation_id"`
}

func (s *PatientService) CreateConsultation(w http.ResponseWriter, r *http.Request) {
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

	var params createConsultationRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	date, err := time.Parse("2006-01-02", params.Date)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid date '%v', expected YYYY-MM-DD", params.Date), http.StatusUnprocessableEntity)
		return
	}

	consultation := schema.Consultation{
		Id:        uuid.New(),
		TenantId:  user.TenantId,
		PatientId: patientId,
		Date:      date,
		Notes:     params.Notes,
		WeightKg:  params.WeightKg,
		CreatedBy: user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkPatientExists(txn, patientId, user.TenantId); err != nil {
			return err
		}

		result := txn.Create(&consultation)
		if result.Error != nil {
			slog.Error("sql error creating consultation", "patient_id", patientId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating consultation: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, createConsultationResponse{ConsultationId: consultation.Id})
}

type ConsultationInfo struct {
	Id       uuid.UUID `json:"id"`
	Date     string    `json:"date"`
	Notes    string    `json:"notes"`
	WeightKg float64   `json:"weight_kg"`
}

func (s *PatientService) ListConsultations(w http.ResponseWriter, r *http.Request) {
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

	if err := checkPatientExists(s.db, patientId, user.TenantId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var consultations []schema.Consultation
	result := s.db.Where("patient_id = ? AND tenant_id = ?", patientId, user.TenantId).
		Order("date DESC").
		Find(&consultations)
	if result.Error != nil {
		slog.Error("sql error listing consultations", "patient_id", patientId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing consultations: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ConsultationInfo, 0, len(consultations))
	for _, c := range consultations {
		infos = append(infos, ConsultationInfo{
			Id:       c.Id,
			Date:     c.Date.Format("2006-01-02"),
			Notes:    c.Notes,
			WeightKg: c.WeightKg,
		})
	}
	utils.WriteJsonResponse(w, infos)
}

func examPath(tenantId, patientId uuid.UUID, filename string) string {
	return filepath.Join("tenants", tenantId.String(), "patients", patientId.String(), "exams", filename)
}

// UploadExam stores an exam document for the patient on shared storage.
func (s *PatientService) UploadExam(w http.ResponseWriter, r *http.Request) {
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

	if err := checkPatientExists(s.db, patientId, user.TenantId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("error parsing upload: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("missing file in upload: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if err := s.storage.Write(examPath(user.TenantId, patientId, filename), file); err != nil {
		http.Error(w, fmt.Sprintf("error storing exam file: %v", err), http.StatusInternalServerError)
		return
	}

	slog.Info("stored exam upload", "patient_id", patientId, "filename", filename)

	utils.WriteSuccess(w)
}

func (s *PatientService) ListExams(w http.ResponseWriter, r *http.Request) {
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
	if user.Role == schema.RolePatient && (patient.UserId == nil || *patient.UserId != user.Id) {
		http.Error(w, schema.ErrPatientNotFound.Error(), http.StatusNotFound)
		return
	}

	dir := filepath.Join("tenants", user.TenantId.String(), "patients", patientId.String(), "exams")
	exists, err := s.storage.Exists(dir)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing exams: %v", err), http.StatusInternalServerError)
		return
	}
	if !exists {
		utils.WriteJsonResponse(w, []string{})
		return
	}

	files, err := s.storage.List(dir)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing exams: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, files)
}
