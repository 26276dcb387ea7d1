package aigen

import (
	"fmt"
	"strings"
)

func makePrompt(query, taskPrompt string, refs []Reference) (string, string) {
	var systemPrompt string
	if len(refs) > 0 {
		var refTexts []string
		for _, ref := range refs {
			refTexts = append(refTexts, ref.Text)
		}
		systemPrompt = fmt.Sprintf("Use the following patient context to answer the request:\n%s", strings.Join(refTexts, "\n\n"))
	} else {
		systemPrompt = "You are an assistant for nutrition professionals."
	}

	userPrompt := query
	if taskPrompt != "" {
		userPrompt = fmt.Sprintf("%s\n\n%s", taskPrompt, query)
	}

	return systemPrompt, userPrompt
}

const planDraftTask = "You are drafting a meal plan for a nutritionist to review. " +
	"Propose meals with foods and portion sizes in grams. " +
	"The draft will be edited by a professional before any patient sees it; do not add disclaimers."

const examSummaryTask = "Summarize the following lab exam results for a nutritionist. " +
	"Highlight values outside reference ranges and anything relevant to dietary planning."

const mealSuggestionTask = "Suggest a single meal consistent with the patient's current plan and recent diary. " +
	"Use foods similar to those the patient already eats."

// PlanDraftRequest builds a generation request for an initial plan draft from
// the clinician's instructions plus patient context references.
func PlanDraftRequest(model, instructions string, refs []Reference) *GenerateRequest {
	return &GenerateRequest{
		Query:      instructions,
		TaskPrompt: planDraftTask,
		References: refs,
		Model:      model,
	}
}

// ExamSummaryRequest builds a generation request to summarize extracted exam text.
func ExamSummaryRequest(model, examText string) *GenerateRequest {
	return &GenerateRequest{
		Query:      examText,
		TaskPrompt: examSummaryTask,
		Model:      model,
	}
}

// MealSuggestionRequest builds a generation request for a one-off meal suggestion.
func MealSuggestionRequest(model, query string, refs []Reference) *GenerateRequest {
	return &GenerateRequest{
		Query:      query,
		TaskPrompt: mealSuggestionTask,
		References: refs,
		Model:      model,
	}
}
