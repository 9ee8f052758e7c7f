package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"draftforge/internal/llm"
	"draftforge/internal/phase"
	"draftforge/internal/trace"
)

// conversationStrategy tags runs produced by the chat-style refine path.
const conversationStrategy = "conversation"

// ContinueConversation is the light refine path: it reuses the phase's
// existing output and rewrites it in light of one user message. It runs
// through the same state machine in a skip-plan, single-round mode rather
// than a parallel code path, so the trace stays uniform.
func (o *Orchestrator) ContinueConversation(ctx context.Context, projectID string, phaseIndex int, existingOutput, message string, history []llm.Message) (*trace.Output, error) {
	spec, err := o.phases.ByIndex(phaseIndex)
	if err != nil {
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
		Strategy:   conversationStrategy,
		Status:     trace.RunStatusRunning,
		Stage:      trace.StageContext,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.store.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	o.logger.Info("conversation run started",
		zap.String("run_id", run.ID),
		zap.String("project", projectID),
		zap.Int("phase", phaseIndex))

	st := &runState{}
	output, err := o.converse(ctx, run, spec, existingOutput, message, history, st)
	if err != nil {
		o.recordFailure(ctx, run, st, err)
		return nil, err
	}
	return output, nil
}

func (o *Orchestrator) converse(ctx context.Context, run *trace.Run, spec *phase.Spec, existingOutput, message string, history []llm.Message, st *runState) (*trace.Output, error) {
	// Stage: context.
	if err := o.progress(ctx, run, trace.StageContext, 0, st); err != nil {
		return nil, err
	}
	actx, err := o.assembler.Build(ctx, run.ProjectID, run.PhaseIndex)
	if err != nil {
		return nil, err
	}
	st.actx = actx
	if err := o.action(ctx, run, trace.ActionContext, "Context assembled", "", nil); err != nil {
		return nil, err
	}
	if err := o.artifact(ctx, run, nil, trace.ArtifactConversationNote, trace.SourceUser,
		"User message", message, nil); err != nil {
		return nil, err
	}

	// Stage: draft — a single rewrite round, no planning and no review.
	// The phase persona comes from the system prompt.
	st.iterations = 1
	if err := o.progress(ctx, run, trace.StageDraft, 1, st); err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(
		"Refine the existing deliverable below in light of the user's message. "+
			"Keep everything the message does not ask to change.\n\nCurrent deliverable:\n%s\n\nUser message:\n%s\n\nReturn only the revised deliverable text.",
		existingOutput, message)

	resp, err := o.client.Invoke(ctx, llm.Request{
		Messages:  stageMessages(spec, history, userMessage(prompt, actx)),
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	revised := resp.Text
	st.lastDraft = revised
	one := 1
	if err := o.action(ctx, run, trace.ActionDraft, "Conversation rewrite", excerptFor(revised), iterMeta(1)); err != nil {
		return nil, err
	}
	if err := o.artifact(ctx, run, &one, trace.ArtifactDraft, trace.SourceAgent,
		"Conversation rewrite", revised, nil); err != nil {
		return nil, err
	}

	// Stage: final — the rewrite is the deliverable; no second model call.
	if err := o.progress(ctx, run, trace.StageFinal, 1, st); err != nil {
		return nil, err
	}
	if err := o.action(ctx, run, trace.ActionFinal, "Final deliverable", excerptFor(revised), nil); err != nil {
		return nil, err
	}
	if err := o.artifact(ctx, run, nil, trace.ArtifactFinal, trace.SourceAgent,
		"Final deliverable", revised, nil); err != nil {
		return nil, err
	}

	output := o.buildOutput(run, revised, st)
	if err := o.artifact(ctx, run, nil, trace.ArtifactStepOutput, trace.SourceAgent,
		fmt.Sprintf("%s output", spec.Title), revised, map[string]any{"agent": output.Agent}); err != nil {
		return nil, err
	}
	if err := o.store.FinishRun(ctx, run.ID, trace.RunStatusCompleted, output, ""); err != nil {
		return nil, err
	}
	return output, nil
}
