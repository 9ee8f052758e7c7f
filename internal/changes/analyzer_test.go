package changes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"draftforge/internal/assemble"
	"draftforge/internal/llm"
	"draftforge/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory trace.Store with just enough behavior for the
// analyzer: canned phase states and recorded artifacts.
type memStore struct {
	mu        sync.Mutex
	states    []*trace.PhaseState
	artifacts []*trace.Artifact
	statesErr error
}

func nineStates(completed int) []*trace.PhaseState {
	names := []string{"clarify", "extract", "features", "design", "prototype_prompt",
		"prototype_guide", "confirm", "functional_spec", "supplements"}
	states := make([]*trace.PhaseState, 0, len(names))
	for i, name := range names {
		st := &trace.PhaseState{PhaseIndex: i, Name: name, Status: "pending"}
		if i < completed {
			st.Status = "completed"
			st.Excerpt = "deliverable for " + name
		}
		states = append(states, st)
	}
	return states
}

func (s *memStore) StartRun(context.Context, *trace.Run) error { return nil }
func (s *memStore) UpdateRunProgress(context.Context, string, trace.Stage, int, map[string]any) error {
	return nil
}
func (s *memStore) AppendAction(context.Context, *trace.Action) error { return nil }
func (s *memStore) FinishRun(context.Context, string, trace.RunStatus, *trace.Output, string) error {
	return nil
}

func (s *memStore) AppendArtifact(_ context.Context, a *trace.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
	return nil
}

func (s *memStore) QueryArtifacts(context.Context, trace.ArtifactFilter) ([]*trace.Artifact, error) {
	return nil, nil
}
func (s *memStore) QueryArtifactsVisibleToAgent(context.Context, string, int, int) ([]*trace.Artifact, error) {
	return nil, nil
}
func (s *memStore) QueryPriorPhaseOutputs(context.Context, string, int) ([]*trace.PhaseOutput, error) {
	return nil, nil
}

func (s *memStore) QueryPhaseStates(context.Context, string) ([]*trace.PhaseState, error) {
	if s.statesErr != nil {
		return nil, s.statesErr
	}
	return s.states, nil
}

func (s *memStore) QueryAssets(context.Context, string, *int, int) ([]*trace.Asset, error) {
	return nil, nil
}

func (s *memStore) artifactsOfType(typ trace.ArtifactType) []*trace.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*trace.Artifact
	for _, a := range s.artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// scriptedClient returns a fixed response and captures the last request.
type scriptedClient struct {
	mu   sync.Mutex
	text string
	err  error
	last llm.Request
}

func (c *scriptedClient) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.text}, nil
}

func (c *scriptedClient) lastRequest() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func lastUserText(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != llm.RoleUser {
			continue
		}
		if m.Content != "" {
			return m.Content
		}
		for _, p := range m.Parts {
			if p.Type == llm.PartText {
				return p.Text
			}
		}
	}
	return ""
}

func newAnalyzer(store *memStore, client llm.Client) *Analyzer {
	asm := assemble.New(store, store, store, nil, assemble.Config{}, nil)
	return NewAnalyzer(store, asm, client, 0, nil)
}

func TestAnalyze_ClassifiesAgainstFullPhaseState(t *testing.T) {
	store := &memStore{states: nineStates(5)}
	client := &scriptedClient{text: `{
		"intent": "ux_tweak",
		"recommended_start_phase": 3,
		"impacted_phases": [4, 3, 3],
		"reason": "the navigation change touches the detailed design",
		"risks": ["prototype guidance drifts from the new layout"],
		"conflicts": [],
		"action_plan": ["rework phase 3", "re-derive phase 4"],
		"summary": "layout change, resume at design"
	}`}
	a := newAnalyzer(store, client)

	analysis, err := a.Analyze(context.Background(), "proj-1", Request{
		ProjectTitle:   "Freelancer invoice tool",
		RawRequirement: "Invoicing for freelancers",
		ChangeRequest:  "Move the history list to a sidebar",
	})
	require.NoError(t, err)

	assert.Equal(t, IntentUXTweak, analysis.Intent)
	assert.GreaterOrEqual(t, analysis.RecommendedStartPhase, 0)
	assert.LessOrEqual(t, analysis.RecommendedStartPhase, 8)
	assert.Equal(t, []int{3, 4}, analysis.ImpactedPhases, "deduplicated and sorted")

	prompt := lastUserText(client.lastRequest())
	for _, want := range []string{"Phase 0: clarify [completed]", "Phase 4: prototype_prompt [completed]",
		"Phase 5: prototype_guide [pending]", "Phase 8: supplements [pending]",
		"Move the history list to a sidebar"} {
		assert.Contains(t, prompt, want)
	}

	reqs := store.artifactsOfType(trace.ArtifactChangeRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, trace.SourceUser, reqs[0].Source)
	assert.Nil(t, reqs[0].PhaseIndex, "change requests are project-global")

	analyses := store.artifactsOfType(trace.ArtifactChangeAnalysis)
	require.Len(t, analyses, 1)
	assert.Equal(t, trace.SourceAgent, analyses[0].Source)
	assert.Equal(t, analysis, analyses[0].Payload["analysis"])
}

func TestAnalyze_NormalizesModelOutput(t *testing.T) {
	store := &memStore{states: nineStates(9)}
	client := &scriptedClient{text: `{
		"intent": "total_rewrite",
		"recommended_start_phase": 42,
		"impacted_phases": [-1, 99],
		"reason": "",
		"risks": null,
		"conflicts": null,
		"action_plan": null,
		"summary": ""
	}`}
	a := newAnalyzer(store, client)

	analysis, err := a.Analyze(context.Background(), "proj-1", Request{ChangeRequest: "redo everything"})
	require.NoError(t, err)

	assert.Equal(t, IntentFeatureAdjustment, analysis.Intent, "unknown intent falls back")
	assert.Equal(t, 8, analysis.RecommendedStartPhase, "clamped to the last phase")
	assert.Equal(t, []int{8}, analysis.ImpactedPhases, "out-of-range entries dropped, defaulted to the start phase")
	assert.NotNil(t, analysis.Risks)
	assert.NotNil(t, analysis.ActionPlan)
}

func TestAnalyze_EmptyRequestRejected(t *testing.T) {
	store := &memStore{states: nineStates(2)}
	a := newAnalyzer(store, &scriptedClient{})

	_, err := a.Analyze(context.Background(), "proj-1", Request{ChangeRequest: "   "})
	require.Error(t, err)
	assert.Empty(t, store.artifactsOfType(trace.ArtifactChangeRequest))
}

func TestAnalyze_ModelFailureStillRecordsRequest(t *testing.T) {
	store := &memStore{states: nineStates(3)}
	client := &scriptedClient{err: errors.New("upstream unavailable")}
	a := newAnalyzer(store, client)

	_, err := a.Analyze(context.Background(), "proj-1", Request{ChangeRequest: "rename the product"})
	require.Error(t, err)

	assert.Len(t, store.artifactsOfType(trace.ArtifactChangeRequest), 1,
		"the request artifact is written before the model call")
	assert.Empty(t, store.artifactsOfType(trace.ArtifactChangeAnalysis))
}

func TestAnalyze_PhaseStateFailurePropagates(t *testing.T) {
	store := &memStore{statesErr: errors.New("db locked")}
	a := newAnalyzer(store, &scriptedClient{text: "{}"})

	_, err := a.Analyze(context.Background(), "proj-1", Request{ChangeRequest: "tweak copy"})
	require.ErrorContains(t, err, "query phase states")
	assert.Empty(t, store.artifacts)
}

func TestNormalize_ImpactedNeverEmpty(t *testing.T) {
	for _, start := range []int{-3, 0, 4, 8, 20} {
		a := &Analysis{Intent: IntentCopyEdit, RecommendedStartPhase: start}
		a.normalize()
		assert.GreaterOrEqual(t, a.RecommendedStartPhase, 0)
		assert.LessOrEqual(t, a.RecommendedStartPhase, 8)
		require.NotEmpty(t, a.ImpactedPhases)
		assert.Equal(t, []int{a.RecommendedStartPhase}, a.ImpactedPhases)
	}
}
