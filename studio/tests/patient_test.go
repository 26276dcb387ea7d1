package tests

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"strings"
	"testing"

	"nutristudio_platform/studio/services"
)

func TestPatientCrud(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("consultorio")
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.Post("/patient/create").Json(map[string]string{"name": ""}).Do(nil); !statusError(err, 422) {
		t.Fatalf("unnamed patients should be rejected: %v", err)
	}

	if err := admin.Post("/patient/create").Json(map[string]string{"name": "Bia", "birth_date": "31/12/1990"}).Do(nil); !statusError(err, 422) {
		t.Fatalf("malformed birth dates should be rejected: %v", err)
	}

	patientId, err := admin.createPatient("Beatriz Lima")
	if err != nil {
		t.Fatal(err)
	}

	var info services.PatientInfo
	if err := admin.Get("/patient/" + patientId).Do(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "Beatriz Lima" || info.Archived || info.HasPortal {
		t.Fatalf("unexpected patient %v", info)
	}

	update := map[string]string{"name": "Beatriz Lima Souza", "birth_date": "1990-12-31"}
	if err := admin.Post("/patient/"+patientId+"/update").Json(update).Do(nil); err != nil {
		t.Fatal(err)
	}

	if err := admin.Get("/patient/" + patientId).Do(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "Beatriz Lima Souza" || info.BirthDate == nil {
		t.Fatalf("update was not applied: %v", info)
	}
}

func TestPatientArchive(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("arquivo")
	if err != nil {
		t.Fatal(err)
	}

	activeId, err := admin.createPatient("Ativa")
	if err != nil {
		t.Fatal(err)
	}
	archivedId, err := admin.createPatient("Antiga")
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.Post("/patient/" + archivedId + "/archive").Do(nil); err != nil {
		t.Fatal(err)
	}

	patients, err := admin.listPatients(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 1 || patients[0].Id.String() != activeId {
		t.Fatalf("archived patients should be hidden by default, got %v", patients)
	}

	patients, err = admin.listPatients(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 2 {
		t.Fatalf("include_archived should show both, got %v", patients)
	}

	// Archiving preserves the record.
	var info services.PatientInfo
	if err := admin.Get("/patient/" + archivedId).Do(&info); err != nil {
		t.Fatal(err)
	}
	if !info.Archived {
		t.Fatalf("expected archived, got %v", info)
	}
}

func TestPortalAccess(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("portal")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Clara")
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.grantPortalAccess(patientId, "clara@portal.mail.com", "clara_portal_password"); err != nil {
		t.Fatal(err)
	}

	// A second grant conflicts.
	err = admin.grantPortalAccess(patientId, "clara2@portal.mail.com", "other_password")
	if !statusError(err, 409) {
		t.Fatalf("duplicate portal access should conflict: %v", err)
	}

	portal := env.newClient()
	if err := portal.login(loginInfo{Email: "clara@portal.mail.com", Password: "clara_portal_password"}); err != nil {
		t.Fatal(err)
	}

	// Portal users see their own record but cannot create patients.
	var info services.PatientInfo
	if err := portal.Get("/patient/" + patientId).Do(&info); err != nil {
		t.Fatal(err)
	}
	if _, err := portal.createPatient("Intrusa"); !statusError(err, 403) {
		t.Fatalf("patients cannot create patients: %v", err)
	}

	// Other records in the studio stay invisible to portal users.
	otherId, err := admin.createPatient("Dora")
	if err != nil {
		t.Fatal(err)
	}
	if err := portal.Get("/patient/" + otherId).Do(&info); !statusError(err, 404) {
		t.Fatalf("portal users cannot read other patients: %v", err)
	}

	patients, err := portal.listPatients(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 1 || patients[0].Id.String() != patientId {
		t.Fatalf("portal listing should only contain the caller, got %v", patients)
	}
}

func TestConsultations(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("consulta")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Denise")
	if err != nil {
		t.Fatal(err)
	}

	for i, date := range []string{"2026-08-01", "2026-08-15", "2026-08-29"} {
		body := map[string]interface{}{
			"date": date, "notes": fmt.Sprintf("retorno %d", i+1), "weight_kg": 70.5 - float64(i),
		}
		if err := admin.Post("/patient/"+patientId+"/consultations").Json(body).Do(nil); err != nil {
			t.Fatal(err)
		}
	}

	var consultations []services.ConsultationInfo
	if err := admin.Get("/patient/" + patientId + "/consultations").Do(&consultations); err != nil {
		t.Fatal(err)
	}

	if len(consultations) != 3 {
		t.Fatalf("expected three consultations, got %v", consultations)
	}
	// Newest first.
	if consultations[0].Date != "2026-08-29" || consultations[0].WeightKg != 68.5 {
		t.Fatalf("unexpected ordering %v", consultations)
	}

	body := map[string]interface{}{"date": "agosto", "notes": "x", "weight_kg": 70.0}
	if err := admin.Post("/patient/"+patientId+"/consultations").Json(body).Do(nil); !statusError(err, 422) {
		t.Fatalf("malformed consultation dates should be rejected: %v", err)
	}
}

func TestExamUpload(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("laboratorio")
	if err != nil {
		t.Fatal(err)
	}

	patientId, err := admin.createPatient("Elisa")
	if err != nil {
		t.Fatal(err)
	}

	var exams []string
	if err := admin.Get("/patient/" + patientId + "/exams").Do(&exams); err != nil {
		t.Fatal(err)
	}
	if len(exams) != 0 {
		t.Fatalf("expected no exams, got %v", exams)
	}

	body := new(bytes.Buffer)
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", "hemograma.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("exam file contents")); err != nil {
		t.Fatal(err)
	}
	if err := form.Close(); err != nil {
		t.Fatal(err)
	}

	err = admin.Post("/patient/"+patientId+"/exams").
		Header("Content-Type", form.FormDataContentType()).
		Body(body).
		Do(nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.Get("/patient/" + patientId + "/exams").Do(&exams); err != nil {
		t.Fatal(err)
	}
	if len(exams) != 1 || !strings.Contains(exams[0], "hemograma.pdf") {
		t.Fatalf("unexpected exam list %v", exams)
	}
}
