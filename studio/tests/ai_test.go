package tests

import (
	"testing"

	"nutristudio_platform/studio/services"
)

func TestAiGenerate(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("gerada")
	if err != nil {
		t.Fatal(err)
	}

	// New studios start with no credits.
	_, err = admin.aiGenerate("meal_suggestion", "lanche rápido com 300 kcal")
	if !statusError(err, 402) {
		t.Fatalf("generation without credits should require payment: %v", err)
	}

	owner, err := env.ownerClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.grantCredits(admin.tenantId, 10); err != nil {
		t.Fatal(err)
	}

	res, err := admin.aiGenerate("plan_draft", "plano de 1800 kcal para diabética tipo 2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "generated output" || res.CreditsUsed != 5 {
		t.Fatalf("unexpected generation result %v", res)
	}

	// 10 - 5 leaves enough for exam_summary (2) and meal_suggestion (1)
	// but not another plan_draft.
	_, err = admin.aiGenerate("exam_summary", "hemograma completo")
	if err != nil {
		t.Fatal(err)
	}
	_, err = admin.aiGenerate("plan_draft", "plano vegetariano")
	if !statusError(err, 402) {
		t.Fatalf("insufficient credits should require payment: %v", err)
	}
	_, err = admin.aiGenerate("meal_suggestion", "café da manhã proteico")
	if err != nil {
		t.Fatal(err)
	}

	tenant := tenantRecord(t, env, admin.tenantId)
	if tenant.AiCredits != 2 {
		t.Fatalf("expected 2 credits remaining, got %v", tenant.AiCredits)
	}

	// A failed attempt deducts nothing and leaves no execution record.
	executions, err := listExecutions(admin)
	if err != nil {
		t.Fatal(err)
	}
	if len(executions) != 3 {
		t.Fatalf("expected three executions, got %v", executions)
	}
}

func listExecutions(c client) ([]services.AiExecutionInfo, error) {
	var res []services.AiExecutionInfo
	err := c.Get("/ai/executions").Do(&res)
	return res, err
}

func TestAiGenerateValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("criteriosa")
	if err != nil {
		t.Fatal(err)
	}

	owner, err := env.ownerClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.grantCredits(admin.tenantId, 10); err != nil {
		t.Fatal(err)
	}

	_, err = admin.aiGenerate("recipe_book", "algo")
	if !statusError(err, 422) {
		t.Fatalf("unknown generation kinds should be rejected: %v", err)
	}

	_, err = admin.aiGenerate("plan_draft", "")
	if !statusError(err, 422) {
		t.Fatalf("empty queries should be rejected: %v", err)
	}

	// Rejected requests never burn credits.
	tenant := tenantRecord(t, env, admin.tenantId)
	if tenant.AiCredits != 10 {
		t.Fatalf("rejected requests must not deduct credits, got %v", tenant.AiCredits)
	}
}

func TestAiGeneratePermissions(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("restrita")
	if err != nil {
		t.Fatal(err)
	}

	owner, err := env.ownerClient()
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.grantCredits(admin.tenantId, 10); err != nil {
		t.Fatal(err)
	}

	_, portal, err := env.newPatientWithPortal(admin, "téo")
	if err != nil {
		t.Fatal(err)
	}

	_, err = portal.aiGenerate("meal_suggestion", "jantar leve")
	if !statusError(err, 403) {
		t.Fatalf("patients cannot run generations: %v", err)
	}

	// TEAM holds the plan update grant and may generate.
	staff, err := env.newStaff(admin, "rafa")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := staff.aiGenerate("meal_suggestion", "almoço sem lactose"); err != nil {
		t.Fatal(err)
	}

	// The executions listing is admin only.
	if _, err := listExecutions(staff); !statusError(err, 403) {
		t.Fatalf("staff cannot list executions: %v", err)
	}
	if _, err := listExecutions(admin); err != nil {
		t.Fatal(err)
	}
}
