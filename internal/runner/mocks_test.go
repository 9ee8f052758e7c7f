package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"draftforge/internal/llm"
	"draftforge/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory trace.Store for orchestrator tests.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]*trace.Run
	actions   []*trace.Action
	artifacts []*trace.Artifact
	outputs   []*trace.PhaseOutput
	assets    []*trace.Asset
	failOn    string // method name that should fail, "" for none
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*trace.Run)}
}

func (m *memStore) fail(method string) error {
	if m.failOn == method {
		return fmt.Errorf("injected %s failure", method)
	}
	return nil
}

func (m *memStore) StartRun(_ context.Context, run *trace.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("StartRun"); err != nil {
		return err
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) UpdateRunProgress(_ context.Context, runID string, stage trace.Stage, iteration int, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateRunProgress"); err != nil {
		return err
	}
	if r, ok := m.runs[runID]; ok {
		r.Stage = stage
		r.Iteration = iteration
		r.State = state
	}
	return nil
}

func (m *memStore) AppendAction(_ context.Context, action *trace.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendAction"); err != nil {
		return err
	}
	action.CreatedAt = time.Now()
	m.actions = append(m.actions, action)
	return nil
}

func (m *memStore) AppendArtifact(_ context.Context, artifact *trace.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendArtifact"); err != nil {
		return err
	}
	artifact.CreatedAt = time.Now()
	m.artifacts = append(m.artifacts, artifact)
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, status trace.RunStatus, output *trace.Output, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FinishRun"); err != nil {
		return err
	}
	if r, ok := m.runs[runID]; ok {
		r.Status = status
		r.Output = output
		r.Error = errMsg
		now := time.Now()
		r.FinishedAt = &now
	}
	return nil
}

func (m *memStore) QueryArtifacts(_ context.Context, _ trace.ArtifactFilter) ([]*trace.Artifact, error) {
	return nil, nil
}

func (m *memStore) QueryArtifactsVisibleToAgent(_ context.Context, _ string, _, _ int) ([]*trace.Artifact, error) {
	return nil, nil
}

func (m *memStore) QueryPriorPhaseOutputs(_ context.Context, _ string, beforePhase int) ([]*trace.PhaseOutput, error) {
	var out []*trace.PhaseOutput
	for _, po := range m.outputs {
		if po.PhaseIndex < beforePhase {
			out = append(out, po)
		}
	}
	return out, nil
}

func (m *memStore) QueryPhaseStates(_ context.Context, _ string) ([]*trace.PhaseState, error) {
	return nil, nil
}

func (m *memStore) QueryAssets(_ context.Context, _ string, _ *int, _ int) ([]*trace.Asset, error) {
	return m.assets, nil
}

// singleRun returns the only recorded run.
func (m *memStore) singleRun(t *testing.T) *trace.Run {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(m.runs))
	}
	for _, r := range m.runs {
		return r
	}
	return nil
}

func (m *memStore) actionsOfType(typ trace.ActionType) []*trace.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*trace.Action
	for _, a := range m.actions {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) artifactsOfType(typ trace.ArtifactType) []*trace.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*trace.Artifact
	for _, a := range m.artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// stageClient answers model calls by inspecting the prompt: planner and
// reviewer calls get scripted JSON, drafter and finalizer calls get text.
type stageClient struct {
	mu        sync.Mutex
	planJSON  string
	reviews   []string // one per review round; last repeats
	draftText string
	finalText string
	calls     []llm.Request
	reviewIdx int
	err       error // when set, every call fails
}

func (c *stageClient) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return nil, c.err
	}

	prompt := lastUserText(req)
	switch {
	case strings.Contains(prompt, "Plan the work"):
		return &llm.Response{Text: c.planJSON}, nil
	case strings.Contains(prompt, "Review draft round"):
		idx := c.reviewIdx
		if idx >= len(c.reviews) {
			idx = len(c.reviews) - 1
		}
		c.reviewIdx++
		return &llm.Response{Text: c.reviews[idx]}, nil
	case strings.Contains(prompt, "Finalize the deliverable"):
		return &llm.Response{Text: c.finalText}, nil
	default:
		return &llm.Response{Text: c.draftText}, nil
	}
}

func lastUserText(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != llm.RoleUser {
			continue
		}
		if len(m.Parts) > 0 {
			return m.Parts[0].Text
		}
		return m.Content
	}
	return ""
}

const goodPlanJSON = `{"objective":"draft the clarification","deliverables":["doc"],"execution_plan":["outline","write"],"quality_gates":["complete"],"risks":[]}`

func passReview(score int) string {
	return fmt.Sprintf(`{"score":%d,"verdict":"pass","summary":"good","issues":[],"missing_information":[]}`, score)
}

func blockReview(score int) string {
	return fmt.Sprintf(`{"score":%d,"verdict":"block","summary":"not there yet","issues":[{"severity":"high","issue":"missing scope","fix":"add scope"}],"missing_information":["target users"]}`, score)
}
