package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"nutristudio_platform/studio/schema"
	"nutristudio_platform/studio/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

func (r *httpTestRequest) send() (*httptest.ResponseRecorder, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	return w, nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	w, err := r.send()
	if err != nil {
		return err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// DoText returns the raw response body, for non json endpoints like the csv
// export.
func (r *httpTestRequest) DoText() (string, http.Header, error) {
	w, err := r.send()
	if err != nil {
		return "", nil, err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	return w.Body.String(), res.Header, nil
}

var ErrUnauthorized = errors.New("unauthorized")

type client struct {
	api       chi.Router
	authToken string
	userId    string
	tenantId  string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(studioName, name, email, password string) (loginInfo, error) {
	body := map[string]string{
		"studio_name": studioName, "name": name, "email": email, "password": password,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]
	c.tenantId = res["tenant_id"]

	return nil
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) createUser(name, email, password string, role schema.Role) (string, error) {
	body := map[string]interface{}{
		"name": name, "email": email, "password": password, "role": role,
	}

	var res map[string]string
	err := c.Post("/user/create").Json(body).Do(&res)
	return res["user_id"], err
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) createPatient(name string) (string, error) {
	var res map[string]string
	err := c.Post("/patient/create").Json(map[string]string{"name": name}).Do(&res)
	return res["patient_id"], err
}

func (c *client) listPatients(includeArchived bool) ([]services.PatientInfo, error) {
	endpoint := "/patient/list"
	if includeArchived {
		endpoint += "?include_archived=true"
	}

	var res []services.PatientInfo
	err := c.Get(endpoint).Do(&res)
	return res, err
}

func (c *client) grantPortalAccess(patientId, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return c.Post(fmt.Sprintf("/patient/%v/portal-access", patientId)).Json(body).Do(nil)
}

func (c *client) activatePolicy(patientId string, body map[string]interface{}) (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Post(fmt.Sprintf("/policy/%v/activate", patientId)).Json(body).Do(&res)
	return res, err
}

func (c *client) activePolicy(patientId string) (services.PolicyInfo, error) {
	var res services.PolicyInfo
	err := c.Get(fmt.Sprintf("/policy/%v/active", patientId)).Do(&res)
	return res, err
}

func (c *client) resolveSource(patientId, foodId string) (string, error) {
	var res map[string]string
	err := c.Get(fmt.Sprintf("/policy/%v/resolve/%v", patientId, foodId)).Do(&res)
	return res["source"], err
}

func (c *client) createFood(name, category string, aliases []string) (string, error) {
	body := map[string]interface{}{"name": name, "category": category, "aliases": aliases}

	var res map[string]string
	err := c.Post("/dataset/foods").Json(body).Do(&res)
	return res["food_id"], err
}

func (c *client) searchFoods(query string) ([]services.FoodInfo, error) {
	var res []services.FoodInfo
	err := c.Get("/dataset/foods?q=" + query).Do(&res)
	return res, err
}

func (c *client) createRelease(name string) (string, error) {
	var res map[string]string
	err := c.Post("/dataset/releases").Json(map[string]string{"name": name}).Do(&res)
	return res["release_id"], err
}

type nutrientRow struct {
	FoodId    string             `json:"food_id"`
	Nutrients map[string]float64 `json:"nutrients"`
}

func (c *client) addNutrients(releaseId string, rows []nutrientRow) error {
	body := map[string]interface{}{"rows": rows}
	return c.Post(fmt.Sprintf("/dataset/releases/%v/nutrients", releaseId)).Json(body).Do(nil)
}

func (c *client) publishRelease(releaseId string) error {
	return c.Post(fmt.Sprintf("/dataset/releases/%v/publish", releaseId)).Do(nil)
}

func (c *client) currentRelease() (services.ReleaseInfo, error) {
	var res services.ReleaseInfo
	err := c.Get("/dataset/releases/current").Do(&res)
	return res, err
}

type diaryItemResult struct {
	ItemId     uuid.UUID `json:"item_id"`
	MealId     uuid.UUID `json:"meal_id"`
	SnapshotId uuid.UUID `json:"snapshot_id"`
	Source     string    `json:"source"`
}

func (c *client) addDiaryItem(patientId, date, mealType, foodId string, grams float64) (diaryItemResult, error) {
	body := map[string]interface{}{
		"date": date, "meal_type": mealType, "food_id": foodId, "grams": grams,
	}

	var res diaryItemResult
	err := c.Post(fmt.Sprintf("/diary/%v/items", patientId)).Json(body).Do(&res)
	return res, err
}

func (c *client) deleteDiaryItem(patientId string, itemId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/diary/%v/items/%v", patientId, itemId)).Do(nil)
}

func (c *client) getDiaryDay(patientId, date string) (services.DiaryDayResponse, error) {
	var res services.DiaryDayResponse
	err := c.Get(fmt.Sprintf("/diary/%v/day/%v", patientId, date)).Do(&res)
	return res, err
}

func (c *client) exportDiary(patientId, from, to string) (string, http.Header, error) {
	return c.Get(fmt.Sprintf("/diary/%v/export?from=%v&to=%v", patientId, from, to)).DoText()
}

func (c *client) createPlan(patientId string) (string, error) {
	var res map[string]string
	err := c.Post("/plan/create").Json(map[string]string{"patient_id": patientId}).Do(&res)
	return res["plan_id"], err
}

type planVersionResult struct {
	VersionId uuid.UUID `json:"version_id"`
	VersionNo int       `json:"version_no"`
}

func (c *client) createPlanVersion(planId, content string) (planVersionResult, error) {
	var res planVersionResult
	err := c.Post(fmt.Sprintf("/plan/%v/versions", planId)).Json(map[string]string{"content": content}).Do(&res)
	return res, err
}

func (c *client) updatePlanVersion(planId string, versionId uuid.UUID, content string) error {
	return c.Post(fmt.Sprintf("/plan/%v/versions/%v/update", planId, versionId)).Json(map[string]string{"content": content}).Do(nil)
}

func (c *client) approvePlanVersion(planId string, versionId uuid.UUID) error {
	return c.Post(fmt.Sprintf("/plan/%v/versions/%v/approve", planId, versionId)).Do(nil)
}

func (c *client) publishPlanVersion(planId string, versionId uuid.UUID) error {
	return c.Post(fmt.Sprintf("/plan/%v/versions/%v/publish", planId, versionId)).Do(nil)
}

func (c *client) listPlanVersions(planId string) ([]services.PlanVersionInfo, error) {
	var res []services.PlanVersionInfo
	err := c.Get(fmt.Sprintf("/plan/%v/versions", planId)).Do(&res)
	return res, err
}

func (c *client) currentPlanVersion(patientId string) (services.PlanVersionInfo, error) {
	var res services.PlanVersionInfo
	err := c.Get(fmt.Sprintf("/plan/patient/%v/current", patientId)).Do(&res)
	return res, err
}

type integrityRunResult struct {
	RunId  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
	Issues int       `json:"issues"`
}

func (c *client) runIntegrityChecks() (integrityRunResult, error) {
	var res integrityRunResult
	err := c.Post("/integrity/run").Do(&res)
	return res, err
}

func (c *client) getIntegrityRun(runId uuid.UUID) (services.IntegrityRunInfo, error) {
	var res services.IntegrityRunInfo
	err := c.Get(fmt.Sprintf("/integrity/runs/%v", runId)).Do(&res)
	return res, err
}

type aiGenerateResult struct {
	ExecutionId uuid.UUID `json:"execution_id"`
	Output      string    `json:"output"`
	CreditsUsed int       `json:"credits_used"`
}

func (c *client) aiGenerate(kind, query string) (aiGenerateResult, error) {
	var res aiGenerateResult
	err := c.Post("/ai/generate").Json(map[string]string{"kind": kind, "query": query}).Do(&res)
	return res, err
}

func (c *client) listTenants() ([]services.TenantInfo, error) {
	var res []services.TenantInfo
	err := c.Get("/tenant/list").Do(&res)
	return res, err
}

func (c *client) grantCredits(tenantId string, credits int) error {
	return c.Post(fmt.Sprintf("/tenant/%v/credits", tenantId)).Json(map[string]int{"credits": credits}).Do(nil)
}

func (c *client) setTenantStatus(tenantId, status string) error {
	return c.Post(fmt.Sprintf("/tenant/%v/status", tenantId)).Json(map[string]string{"status": status}).Do(nil)
}
