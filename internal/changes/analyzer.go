package changes

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"draftforge/internal/assemble"
	"draftforge/internal/llm"
	"draftforge/internal/structured"
	"draftforge/internal/trace"
)

const classifierSystemPrompt = "You are a change-impact analyst for a nine-phase " +
	"product-requirements pipeline. Given the project, the state of every phase and a " +
	"free-text change request, classify the request and decide where the pipeline " +
	"should resume. Be conservative: restarting an early phase discards all later work."

var analysisSchema = &llm.JSONSchema{
	Name:   "change_impact_analysis",
	Strict: true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type": "string",
				"enum": []string{"copy_edit", "ux_tweak", "feature_adjustment",
					"new_feature", "scope_change", "technical_constraint"},
			},
			"recommended_start_phase": map[string]any{"type": "integer", "minimum": 0, "maximum": 8},
			"impacted_phases":         map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			"reason":                  map[string]any{"type": "string"},
			"risks":                   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"conflicts":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"action_plan":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"summary":                 map[string]any{"type": "string"},
		},
		"required": []string{"intent", "recommended_start_phase", "impacted_phases",
			"reason", "risks", "conflicts", "action_plan", "summary"},
	},
}

// Request is one change request to classify.
type Request struct {
	ProjectTitle   string
	RawRequirement string
	ChangeRequest  string
}

// Analyzer runs change-impact classification. Independent of the run
// orchestrator: it reads phase state and writes artifacts but never
// starts a Run.
type Analyzer struct {
	store     trace.Store
	assembler *assemble.Assembler
	caller    *structured.Caller
	maxTokens int
	logger    *zap.Logger
}

// NewAnalyzer wires a classifier over the shared store and assembler.
func NewAnalyzer(store trace.Store, assembler *assemble.Assembler, client llm.Client, maxTokens int, logger *zap.Logger) *Analyzer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		store:     store,
		assembler: assembler,
		caller:    structured.NewCaller(client, logger),
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Analyze classifies req against the project's full phase state and
// returns the normalized decision. The request and the decision are both
// persisted as artifacts; the request is persisted even when the model
// call later fails, so a failed analysis still leaves a trace.
func (a *Analyzer) Analyze(ctx context.Context, projectID string, req Request) (*Analysis, error) {
	if strings.TrimSpace(req.ChangeRequest) == "" {
		return nil, fmt.Errorf("empty change request")
	}

	var (
		states []*trace.PhaseState
		actx   *assemble.Context
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		states, err = a.store.QueryPhaseStates(gctx, projectID)
		if err != nil {
			return fmt.Errorf("query phase states: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Full visibility: the classifier judges downstream impact, so
		// context is assembled as of the last phase, not the current one.
		var err error
		actx, err = a.assembler.Build(gctx, projectID, lastPhase)
		if err != nil {
			return fmt.Errorf("assemble context: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := a.store.AppendArtifact(ctx, &trace.Artifact{
		ProjectID:  projectID,
		Type:       trace.ArtifactChangeRequest,
		Source:     trace.SourceUser,
		Visibility: trace.VisibilityBoth,
		Title:      "Change request",
		Content:    req.ChangeRequest,
	}); err != nil {
		return nil, fmt.Errorf("record change request: %w", err)
	}

	var analysis Analysis
	llmReq := llm.Request{
		Messages: []llm.Message{
			llm.TextMessage(llm.RoleSystem, classifierSystemPrompt),
			userMessage(req, states, actx),
		},
		MaxTokens: a.maxTokens,
	}
	if err := a.caller.CallJSON(ctx, llmReq, analysisSchema, &analysis); err != nil {
		return nil, err
	}
	analysis.normalize()

	if err := a.store.AppendArtifact(ctx, &trace.Artifact{
		ProjectID:  projectID,
		Type:       trace.ArtifactChangeAnalysis,
		Source:     trace.SourceAgent,
		Visibility: trace.VisibilityBoth,
		Title:      fmt.Sprintf("Change analysis: %s, resume at phase %d", analysis.Intent, analysis.RecommendedStartPhase),
		Content:    renderAnalysis(&analysis),
		Payload:    map[string]any{"analysis": &analysis},
	}); err != nil {
		return nil, fmt.Errorf("record change analysis: %w", err)
	}

	a.logger.Info("change request classified",
		zap.String("project", projectID),
		zap.String("intent", string(analysis.Intent)),
		zap.Int("start_phase", analysis.RecommendedStartPhase),
		zap.Ints("impacted", analysis.ImpactedPhases))
	return &analysis, nil
}

func userMessage(req Request, states []*trace.PhaseState, actx *assemble.Context) llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\nOriginal requirement:\n%s\n\n", req.ProjectTitle, req.RawRequirement)
	b.WriteString("## Phase states\n")
	for _, st := range states {
		excerpt := st.Excerpt
		if excerpt == "" {
			excerpt = "(no output)"
		}
		fmt.Fprintf(&b, "### Phase %d: %s [%s]\n%s\n", st.PhaseIndex, st.Name, st.Status, excerpt)
	}
	if ctxText := actx.Text(); ctxText != "" {
		b.WriteString("\n" + ctxText)
	}
	fmt.Fprintf(&b, "\n## Change request\n%s\n\n", req.ChangeRequest)
	b.WriteString("Classify the request. Return a JSON object with intent, recommended_start_phase, " +
		"impacted_phases, reason, risks, conflicts, action_plan and summary.")

	assetParts := actx.AssetParts()
	if len(assetParts) == 0 {
		return llm.TextMessage(llm.RoleUser, b.String())
	}
	parts := append([]llm.ContentPart{{Type: llm.PartText, Text: b.String()}}, assetParts...)
	return llm.Message{Role: llm.RoleUser, Parts: parts}
}

func renderAnalysis(a *Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\nResume at phase: %d\nImpacted phases: %v\n", a.Intent, a.RecommendedStartPhase, a.ImpactedPhases)
	if a.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", a.Reason)
	}
	writeList(&b, "Risks", a.Risks)
	writeList(&b, "Conflicts", a.Conflicts)
	writeList(&b, "Action plan", a.ActionPlan)
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
