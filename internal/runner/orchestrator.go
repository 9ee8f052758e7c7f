// Package runner drives one phase execution: assemble context, plan, then
// alternate draft and review rounds until the quality gate passes or the
// iteration cap is reached, and finalize regardless. Every transition is
// recorded as an Action; every milestone as an Artifact.
package runner

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"draftforge/internal/assemble"
	"draftforge/internal/llm"
	"draftforge/internal/phase"
	"draftforge/internal/structured"
	"draftforge/internal/trace"
)

// Config bounds the convergence loop.
type Config struct {
	Strategy      string
	MaxIterations int
	PassScore     int
	MaxTokens     int
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = "plan-draft-review"
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = 3
	}
	if c.MaxIterations > 5 {
		c.MaxIterations = 5
	}
	if c.PassScore <= 0 {
		c.PassScore = 85
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// PhaseRegistry is the phase lookup the orchestrator depends on. Both the
// static and the overridable registry satisfy it.
type PhaseRegistry interface {
	ByIndex(index int) (*phase.Spec, error)
}

// StepInput is the caller-provided input for one phase execution.
type StepInput struct {
	ProjectTitle   string
	RawRequirement string
	// PreviousOutput carries the preceding phase's deliverable when the
	// caller already holds it; otherwise context assembly supplies history.
	PreviousOutput string
}

// Orchestrator sequences the stage state machine for a Run. It holds no
// cross-run mutable state beyond the active-run registry.
type Orchestrator struct {
	store     trace.Store
	assembler *assemble.Assembler
	phases    PhaseRegistry
	client    llm.Client
	caller    *structured.Caller
	cfg       Config
	logger    *zap.Logger
	active    *activeRuns
}

// New wires an orchestrator.
func New(store trace.Store, assembler *assemble.Assembler, phases PhaseRegistry, client llm.Client, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		assembler: assembler,
		phases:    phases,
		client:    client,
		caller:    structured.NewCaller(client, logger),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		active:    newActiveRuns(),
	}
}

// requirePredecessor rejects a phase whose preceding deliverable is nowhere
// to be found: phases past the first need either a caller-supplied previous
// output or a recorded step_output for the phase directly before them.
func (o *Orchestrator) requirePredecessor(ctx context.Context, projectID string, phaseIndex int, input StepInput) error {
	if phaseIndex == 0 || input.PreviousOutput != "" {
		return nil
	}
	outputs, err := o.store.QueryPriorPhaseOutputs(ctx, projectID, phaseIndex)
	if err != nil {
		return fmt.Errorf("query prior outputs: %w", err)
	}
	for _, po := range outputs {
		if po.PhaseIndex == phaseIndex-1 {
			return nil
		}
	}
	return &phase.InputError{Msg: fmt.Sprintf(
		"phase %d requires the phase %d output; none is recorded and no previous output was supplied",
		phaseIndex, phaseIndex-1)}
}

// runState is the partial progress captured for error snapshots.
type runState struct {
	actx       *assemble.Context
	plan       *trace.Plan
	bestScore  int
	iterations int
	lastDraft  string
	lastReview *trace.Review
}

// ExecuteStep runs the full pipeline for one phase and returns its output.
// A concurrent run for the same (project, phase) is rejected up front.
func (o *Orchestrator) ExecuteStep(ctx context.Context, projectID string, phaseIndex int, input StepInput, history []llm.Message) (*trace.Output, error) {
	spec, err := o.phases.ByIndex(phaseIndex)
	if err != nil {
		return nil, err
	}
	if err := o.requirePredecessor(ctx, projectID, phaseIndex, input); err != nil {
		return nil, err
	}
	if !o.active.acquire(projectID, phaseIndex) {
		return nil, &phase.InputError{Msg: fmt.Sprintf("a run is already active for project %s phase %d", projectID, phaseIndex)}
	}
	defer o.active.release(projectID, phaseIndex)

	run := &trace.Run{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		PhaseIndex: phaseIndex,
		Strategy:   o.cfg.Strategy,
		Status:     trace.RunStatusRunning,
		Stage:      trace.StageContext,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.store.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	o.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("project", projectID),
		zap.Int("phase", phaseIndex),
		zap.String("phase_name", spec.Name))

	st := &runState{}
	output, err := o.execute(ctx, run, spec, input, history, st)
	if err != nil {
		o.recordFailure(ctx, run, st, err)
		return nil, err
	}

	o.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Int("iterations", output.Agent.Iterations),
		zap.Int("best_score", output.Agent.BestScore),
		zap.Bool("passed", output.Agent.Passed))
	return output, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *trace.Run, spec *phase.Spec, input StepInput, history []llm.Message, st *runState) (*trace.Output, error) {
	task := spec.TaskPrompt(phase.Input{
		ProjectTitle:   input.ProjectTitle,
		RawRequirement: input.RawRequirement,
		PreviousOutput: input.PreviousOutput,
	})

	// Stage: context.
	if err := o.progress(ctx, run, trace.StageContext, 0, st); err != nil {
		return nil, err
	}
	actx, err := o.assembler.Build(ctx, run.ProjectID, run.PhaseIndex)
	if err != nil {
		return nil, err
	}
	st.actx = actx
	if err := o.action(ctx, run, trace.ActionContext, "Context assembled",
		fmt.Sprintf("%d prior output chars, %d artifact chars, %d assets",
			len(actx.PriorOutputs), len(actx.ArtifactNotes), len(actx.Assets)), nil); err != nil {
		return nil, err
	}
	inputSnapshot := input.RawRequirement
	if input.PreviousOutput != "" {
		inputSnapshot += "\n\n" + input.PreviousOutput
	}
	if err := o.artifact(ctx, run, nil, trace.ArtifactStepInput, trace.SourceUser,
		"Step input", inputSnapshot, nil); err != nil {
		return nil, err
	}

	// Stage: plan.
	if err := o.progress(ctx, run, trace.StagePlan, 0, st); err != nil {
		return nil, err
	}
	plan, err := runPlanner(ctx, o.caller, spec, task, actx, history, o.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	st.plan = plan
	if err := o.action(ctx, run, trace.ActionPlan, "Plan produced", plan.Objective, nil); err != nil {
		return nil, err
	}
	if err := o.artifact(ctx, run, nil, trace.ArtifactPlan, trace.SourceAgent,
		"Phase plan", renderPlan(plan), map[string]any{"plan": plan}); err != nil {
		return nil, err
	}

	// Stages: draft/review loop.
	for i := 1; i <= o.cfg.MaxIterations; i++ {
		st.iterations = i

		if err := o.progress(ctx, run, trace.StageDraft, i, st); err != nil {
			return nil, err
		}
		draft, err := runDrafter(ctx, o.client, spec, task, actx, plan, st.lastReview, i, history, o.cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		st.lastDraft = draft
		if err := o.action(ctx, run, trace.ActionDraft, fmt.Sprintf("Draft round %d", i), excerptFor(draft), iterMeta(i)); err != nil {
			return nil, err
		}
		if err := o.artifact(ctx, run, &i, trace.ArtifactDraft, trace.SourceAgent,
			fmt.Sprintf("Draft round %d", i), draft, nil); err != nil {
			return nil, err
		}

		if err := o.progress(ctx, run, trace.StageReview, i, st); err != nil {
			return nil, err
		}
		review, err := runReviewer(ctx, o.caller, spec, task, plan, draft, i, o.cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		st.lastReview = review
		if review.Score > st.bestScore {
			st.bestScore = review.Score
		}
		if err := o.action(ctx, run, trace.ActionReview,
			fmt.Sprintf("Review round %d: %s (%d)", i, review.Verdict, review.Score),
			review.Summary, iterMeta(i)); err != nil {
			return nil, err
		}
		if err := o.artifact(ctx, run, &i, trace.ArtifactReview, trace.SourceAgent,
			fmt.Sprintf("Review round %d", i), renderReview(review), map[string]any{"review": review}); err != nil {
			return nil, err
		}

		if review.Passed(o.cfg.PassScore) {
			break
		}
	}

	// Stage: final. Runs even when no round cleared the gate; the payload
	// surfaces passed=false so the caller can decide what to do with it.
	if err := o.progress(ctx, run, trace.StageFinal, st.iterations, st); err != nil {
		return nil, err
	}
	finalText, err := runFinalizer(ctx, o.client, spec, task, actx, plan, st.lastDraft, st.lastReview, history, o.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	if err := o.action(ctx, run, trace.ActionFinal, "Final deliverable", excerptFor(finalText), nil); err != nil {
		return nil, err
	}
	if err := o.artifact(ctx, run, nil, trace.ArtifactFinal, trace.SourceAgent,
		"Final deliverable", finalText, nil); err != nil {
		return nil, err
	}

	output := o.buildOutput(run, finalText, st)
	if err := o.artifact(ctx, run, nil, trace.ArtifactStepOutput, trace.SourceAgent,
		fmt.Sprintf("%s output", spec.Title), finalText, map[string]any{"agent": output.Agent}); err != nil {
		return nil, err
	}
	if err := o.store.FinishRun(ctx, run.ID, trace.RunStatusCompleted, output, ""); err != nil {
		return nil, err
	}
	return output, nil
}

func (o *Orchestrator) buildOutput(run *trace.Run, text string, st *runState) *trace.Output {
	report := trace.AgentReport{
		RunID:              run.ID,
		Strategy:           run.Strategy,
		Iterations:         st.iterations,
		MaxIterations:      o.cfg.MaxIterations,
		BestScore:          st.bestScore,
		PassScore:          o.cfg.PassScore,
		MissingInformation: []string{},
	}
	if st.lastReview != nil {
		report.Verdict = st.lastReview.Verdict
		report.Passed = st.lastReview.Passed(o.cfg.PassScore)
		report.MissingInformation = st.lastReview.MissingInformation
	}
	return &trace.Output{
		Text:      text,
		Timestamp: time.Now().UTC(),
		Agent:     report,
		Artifacts: trace.OutputArtifacts{Plan: st.plan, LatestReview: st.lastReview},
	}
}

// recordFailure writes the error trace best-effort and finalizes the run
// as errored. The original error still propagates to the caller. The writes
// run detached from the caller's context: when the run failed because that
// context was cancelled, the run row must still reach a terminal status.
func (o *Orchestrator) recordFailure(ctx context.Context, run *trace.Run, st *runState, cause error) {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("run failed",
		zap.String("run_id", run.ID),
		zap.String("stage", string(run.Stage)),
		zap.Error(cause))

	if err := o.store.AppendAction(ctx, &trace.Action{
		RunID:      run.ID,
		PhaseIndex: run.PhaseIndex,
		Type:       trace.ActionError,
		Title:      "Run failed",
		Content:    cause.Error(),
		Metadata:   map[string]string{"stage": string(run.Stage)},
	}); err != nil {
		o.logger.Warn("failed to record error action", zap.Error(err))
	}

	snapshot := map[string]any{
		"stage":      string(run.Stage),
		"iterations": st.iterations,
		"best_score": st.bestScore,
		"has_plan":   st.plan != nil,
	}
	if st.lastReview != nil {
		snapshot["last_review"] = st.lastReview
	}
	if err := o.store.AppendArtifact(ctx, &trace.Artifact{
		ProjectID:  run.ProjectID,
		PhaseIndex: &run.PhaseIndex,
		RunID:      run.ID,
		Type:       trace.ArtifactSnapshot,
		Source:     trace.SourceSystem,
		Visibility: trace.VisibilityAgent,
		Title:      "Failure snapshot",
		Content:    cause.Error(),
		Payload:    snapshot,
	}); err != nil {
		o.logger.Warn("failed to record failure snapshot", zap.Error(err))
	}

	if err := o.store.FinishRun(ctx, run.ID, trace.RunStatusError, nil, cause.Error()); err != nil {
		o.logger.Warn("failed to finalize errored run", zap.Error(err))
	}
}

func (o *Orchestrator) progress(ctx context.Context, run *trace.Run, stage trace.Stage, iteration int, st *runState) error {
	run.Stage = stage
	run.Iteration = iteration
	state := map[string]any{"best_score": st.bestScore}
	if err := o.store.UpdateRunProgress(ctx, run.ID, stage, iteration, state); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

func (o *Orchestrator) action(ctx context.Context, run *trace.Run, typ trace.ActionType, title, content string, meta map[string]string) error {
	return o.store.AppendAction(ctx, &trace.Action{
		RunID:      run.ID,
		PhaseIndex: run.PhaseIndex,
		Type:       typ,
		Title:      title,
		Content:    content,
		Metadata:   meta,
	})
}

func (o *Orchestrator) artifact(ctx context.Context, run *trace.Run, iteration *int, typ trace.ArtifactType, source trace.ArtifactSource, title, content string, payload map[string]any) error {
	return o.store.AppendArtifact(ctx, &trace.Artifact{
		ProjectID:  run.ProjectID,
		PhaseIndex: &run.PhaseIndex,
		RunID:      run.ID,
		Iteration:  iteration,
		Type:       typ,
		Source:     source,
		Visibility: trace.VisibilityBoth,
		Title:      title,
		Content:    content,
		Payload:    payload,
	})
}

func iterMeta(i int) map[string]string {
	return map[string]string{"iteration": fmt.Sprint(i)}
}

func excerptFor(s string) string {
	const limit = 400
	if len(s) <= limit {
		return s
	}
	// Never cut through a multi-byte rune.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
