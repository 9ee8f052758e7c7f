package runner

import (
	"context"
	"fmt"
	"strings"

	"draftforge/internal/assemble"
	"draftforge/internal/llm"
	"draftforge/internal/phase"
	"draftforge/internal/structured"
	"draftforge/internal/trace"
)

// noDraftPlaceholder stands in for the last draft when every round failed
// before producing one.
const noDraftPlaceholder = "(no draft was produced; write the deliverable directly from the plan and context)"

var planSchema = &llm.JSONSchema{
	Name:   "phase_plan",
	Strict: true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"objective":      map[string]any{"type": "string"},
			"deliverables":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"execution_plan": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"quality_gates":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"risks":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"objective", "deliverables", "execution_plan", "quality_gates", "risks"},
	},
}

var reviewSchema = &llm.JSONSchema{
	Name:   "draft_review",
	Strict: true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score":   map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"verdict": map[string]any{"type": "string", "enum": []string{"pass", "revise", "block"}},
			"summary": map[string]any{"type": "string"},
			"issues": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"severity": map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
						"issue":    map[string]any{"type": "string"},
						"fix":      map[string]any{"type": "string"},
					},
					"required": []string{"severity", "issue", "fix"},
				},
			},
			"missing_information": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"score", "verdict", "summary", "issues", "missing_information"},
	},
}

// userMessage builds the user turn: task text plus assembled context, with
// asset parts attached when present.
func userMessage(task string, actx *assemble.Context) llm.Message {
	text := task
	if ctxText := actx.Text(); ctxText != "" {
		text = task + "\n\n" + ctxText
	}
	assetParts := actx.AssetParts()
	if len(assetParts) == 0 {
		return llm.TextMessage(llm.RoleUser, text)
	}
	parts := append([]llm.ContentPart{{Type: llm.PartText, Text: text}}, assetParts...)
	return llm.Message{Role: llm.RoleUser, Parts: parts}
}

func stageMessages(spec *phase.Spec, history []llm.Message, user llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.TextMessage(llm.RoleSystem, spec.SystemPrompt))
	msgs = append(msgs, history...)
	msgs = append(msgs, user)
	return msgs
}

// runPlanner asks for a structured Plan. Missing fields decode to zero
// values and are normalized rather than treated as failures; a SchemaError
// from the caller still propagates.
func runPlanner(ctx context.Context, caller *structured.Caller, spec *phase.Spec, task string, actx *assemble.Context, history []llm.Message, maxTokens int) (*trace.Plan, error) {
	prompt := "Plan the work before drafting.\n\nTask:\n" + task +
		"\n\nReturn a JSON plan with objective, deliverables, execution_plan, quality_gates and risks."
	req := llm.Request{
		Messages:  stageMessages(spec, history, userMessage(prompt, actx)),
		MaxTokens: maxTokens,
	}

	var plan trace.Plan
	if err := caller.CallJSON(ctx, req, planSchema, &plan); err != nil {
		return nil, err
	}
	normalizePlan(&plan)
	return &plan, nil
}

func normalizePlan(p *trace.Plan) {
	if p.Deliverables == nil {
		p.Deliverables = []string{}
	}
	if p.ExecutionPlan == nil {
		p.ExecutionPlan = []string{}
	}
	if p.QualityGates == nil {
		p.QualityGates = []string{}
	}
	if p.Risks == nil {
		p.Risks = []string{}
	}
}

// runDrafter produces the candidate deliverable body for one round. From
// round 2 onward the previous review's findings steer the revision.
func runDrafter(ctx context.Context, client llm.Client, spec *phase.Spec, task string, actx *assemble.Context, plan *trace.Plan, prevReview *trace.Review, iteration int, history []llm.Message, maxTokens int) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft the deliverable (round %d).\n\nTask:\n%s\n\nPlan:\n%s\n", iteration, task, renderPlan(plan))
	if prevReview != nil {
		fmt.Fprintf(&b, "\nPrevious review (score %d, verdict %s):\n%s\n", prevReview.Score, prevReview.Verdict, renderReview(prevReview))
		b.WriteString("\nRevise the draft to resolve every issue above.\n")
	}
	b.WriteString("\nReturn only the deliverable text.")

	resp, err := client.Invoke(ctx, llm.Request{
		Messages:  stageMessages(spec, history, userMessage(b.String(), actx)),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// runReviewer scores a draft against the original task and the plan.
func runReviewer(ctx context.Context, caller *structured.Caller, spec *phase.Spec, task string, plan *trace.Plan, draft string, iteration int, maxTokens int) (*trace.Review, error) {
	prompt := fmt.Sprintf(
		"Review draft round %d against the task and the plan.\n\nTask:\n%s\n\nPlan:\n%s\n\nDraft:\n%s\n\n"+
			"Return a JSON review with score (0-100), verdict (pass|revise|block), summary, issues and missing_information.",
		iteration, task, renderPlan(plan), draft)
	req := llm.Request{
		Messages:  []llm.Message{llm.TextMessage(llm.RoleSystem, spec.SystemPrompt), llm.TextMessage(llm.RoleUser, prompt)},
		MaxTokens: maxTokens,
	}

	var review trace.Review
	if err := caller.CallJSON(ctx, req, reviewSchema, &review); err != nil {
		return nil, err
	}
	normalizeReview(&review)
	return &review, nil
}

func normalizeReview(r *trace.Review) {
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 100 {
		r.Score = 100
	}
	switch r.Verdict {
	case trace.VerdictPass, trace.VerdictRevise, trace.VerdictBlock:
	default:
		r.Verdict = trace.VerdictRevise
	}
	if r.Issues == nil {
		r.Issues = []trace.Issue{}
	}
	if r.MissingInformation == nil {
		r.MissingInformation = []string{}
	}
}

// runFinalizer produces the deliverable handed back to the caller, working
// from the last draft even when no round cleared the quality gate.
func runFinalizer(ctx context.Context, client llm.Client, spec *phase.Spec, task string, actx *assemble.Context, plan *trace.Plan, lastDraft string, lastReview *trace.Review, history []llm.Message, maxTokens int) (string, error) {
	if lastDraft == "" {
		lastDraft = noDraftPlaceholder
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Finalize the deliverable.\n\nTask:\n%s\n\nPlan:\n%s\n\nLast draft:\n%s\n", task, renderPlan(plan), lastDraft)
	if lastReview != nil {
		fmt.Fprintf(&b, "\nLast review (score %d, verdict %s):\n%s\n", lastReview.Score, lastReview.Verdict, renderReview(lastReview))
	}
	b.WriteString("\nPolish the draft into the final deliverable, resolving remaining review issues where the context allows. Return only the deliverable text.")

	resp, err := client.Invoke(ctx, llm.Request{
		Messages:  stageMessages(spec, history, userMessage(b.String(), actx)),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func renderPlan(p *trace.Plan) string {
	if p == nil {
		return "(no plan)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", p.Objective)
	writeList(&b, "Deliverables", p.Deliverables)
	writeList(&b, "Execution plan", p.ExecutionPlan)
	writeList(&b, "Quality gates", p.QualityGates)
	writeList(&b, "Risks", p.Risks)
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func renderReview(r *trace.Review) string {
	var b strings.Builder
	if r.Summary != "" {
		b.WriteString(r.Summary + "\n")
	}
	for _, iss := range r.Issues {
		fmt.Fprintf(&b, "- [%s] %s (fix: %s)\n", iss.Severity, iss.Issue, iss.Fix)
	}
	writeList(&b, "Missing information", r.MissingInformation)
	return b.String()
}
