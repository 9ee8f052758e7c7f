package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftforge/internal/trace"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &trace.Run{
		ID:         "run-1",
		ProjectID:  "proj-1",
		PhaseIndex: 2,
		Strategy:   "plan-draft-review",
		Status:     trace.RunStatusRunning,
		Stage:      trace.StageContext,
		StartedAt:  time.Now(),
	}
	require.NoError(t, s.StartRun(ctx, run))

	require.NoError(t, s.UpdateRunProgress(ctx, "run-1", trace.StageDraft, 2, map[string]any{"best_score": 77}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, trace.StageDraft, got.Stage)
	assert.Equal(t, 2, got.Iteration)
	assert.EqualValues(t, 77, got.State["best_score"])
	assert.Nil(t, got.FinishedAt)

	output := &trace.Output{
		Text:      "final deliverable",
		Timestamp: time.Now(),
		Agent:     trace.AgentReport{RunID: "run-1", BestScore: 90, Passed: true, Verdict: trace.VerdictPass},
	}
	require.NoError(t, s.FinishRun(ctx, "run-1", trace.RunStatusCompleted, output, ""))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, trace.RunStatusCompleted, got.Status)
	assert.Equal(t, trace.StageCompleted, got.Stage)
	require.NotNil(t, got.Output)
	assert.Equal(t, "final deliverable", got.Output.Text)
	assert.True(t, got.Output.Agent.Passed)
	require.NotNil(t, got.FinishedAt)

	t.Run("error finish records stage and message", func(t *testing.T) {
		run2 := &trace.Run{ID: "run-2", ProjectID: "proj-1", PhaseIndex: 0,
			Strategy: "plan-draft-review", Status: trace.RunStatusRunning,
			Stage: trace.StagePlan, StartedAt: time.Now()}
		require.NoError(t, s.StartRun(ctx, run2))
		require.NoError(t, s.FinishRun(ctx, "run-2", trace.RunStatusError, nil, "planner exploded"))

		got, err := s.GetRun(ctx, "run-2")
		require.NoError(t, err)
		assert.Equal(t, trace.RunStatusError, got.Status)
		assert.Equal(t, trace.StageError, got.Stage)
		assert.Equal(t, "planner exploded", got.Error)
		assert.Nil(t, got.Output)
	})

	t.Run("unknown run errors", func(t *testing.T) {
		_, err := s.GetRun(ctx, "nope")
		require.Error(t, err)
	})
}

func TestActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAction(ctx, &trace.Action{
			RunID:      "run-1",
			PhaseIndex: 1,
			Type:       trace.ActionDraft,
			Title:      fmt.Sprintf("draft round %d", i+1),
			Content:    "...",
			Metadata:   map[string]string{"iteration": fmt.Sprint(i + 1)},
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	actions, err := s.ListActions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, "draft round 1", actions[0].Title)
	assert.Equal(t, "3", actions[2].Metadata["iteration"])
	for _, a := range actions {
		assert.NotEmpty(t, a.ID)
	}
}

func TestQueryArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	add := func(phase *int, typ trace.ArtifactType, vis trace.Visibility, title string, offset time.Duration) {
		require.NoError(t, s.AppendArtifact(ctx, &trace.Artifact{
			ProjectID:  "proj-1",
			PhaseIndex: phase,
			Type:       typ,
			Source:     trace.SourceAgent,
			Visibility: vis,
			Title:      title,
			Content:    "content of " + title,
			CreatedAt:  base.Add(offset),
		}))
	}

	add(nil, trace.ArtifactConversationNote, trace.VisibilityBoth, "global note", time.Minute)
	add(intPtr(0), trace.ArtifactStepOutput, trace.VisibilityBoth, "phase0 output", 2*time.Minute)
	add(intPtr(4), trace.ArtifactDraft, trace.VisibilityAgent, "phase4 draft", 3*time.Minute)
	add(intPtr(7), trace.ArtifactChangeRequest, trace.VisibilityBoth, "late change request", 4*time.Minute)
	add(intPtr(7), trace.ArtifactDraft, trace.VisibilityAgent, "phase7 draft", 5*time.Minute)
	add(intPtr(1), trace.ArtifactSnapshot, trace.VisibilityUser, "user-only snapshot", 6*time.Minute)

	t.Run("agent visibility rule", func(t *testing.T) {
		got, err := s.QueryArtifactsVisibleToAgent(ctx, "proj-1", 4, 0)
		require.NoError(t, err)
		titles := make([]string, 0, len(got))
		for _, a := range got {
			titles = append(titles, a.Title)
		}
		// phase7 draft is beyond phase 4; user-only snapshot invisible;
		// the change request stays visible despite its phase index.
		assert.ElementsMatch(t, []string{"global note", "phase0 output", "phase4 draft", "late change request"}, titles)
	})

	t.Run("most recent first with limit", func(t *testing.T) {
		got, err := s.QueryArtifactsVisibleToAgent(ctx, "proj-1", 8, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "phase7 draft", got[0].Title)
	})

	t.Run("filter by type", func(t *testing.T) {
		got, err := s.QueryArtifacts(ctx, trace.ArtifactFilter{
			ProjectID: "proj-1",
			Types:     []trace.ArtifactType{trace.ArtifactDraft},
		})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("other projects invisible", func(t *testing.T) {
		got, err := s.QueryArtifactsVisibleToAgent(ctx, "other", 8, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestPriorPhaseOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	addOutput := func(phase int, text string, offset time.Duration) {
		require.NoError(t, s.AppendArtifact(ctx, &trace.Artifact{
			ProjectID:  "proj-1",
			PhaseIndex: intPtr(phase),
			Type:       trace.ArtifactStepOutput,
			Source:     trace.SourceAgent,
			Visibility: trace.VisibilityBoth,
			Title:      fmt.Sprintf("phase %d", phase),
			Content:    text,
			CreatedAt:  base.Add(offset),
		}))
	}

	addOutput(1, "old phase1", time.Minute)
	addOutput(0, "phase0", 2*time.Minute)
	addOutput(1, "new phase1", 3*time.Minute)
	addOutput(3, "phase3", 4*time.Minute)

	t.Run("ascending order, latest per phase, bounded by beforePhase", func(t *testing.T) {
		outputs, err := s.QueryPriorPhaseOutputs(ctx, "proj-1", 3)
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		assert.Equal(t, 0, outputs[0].PhaseIndex)
		assert.Equal(t, 1, outputs[1].PhaseIndex)
		assert.Equal(t, "new phase1", outputs[1].Text)
	})

	t.Run("phase states cover all nine phases", func(t *testing.T) {
		states, err := s.QueryPhaseStates(ctx, "proj-1")
		require.NoError(t, err)
		require.Len(t, states, 9)
		assert.Equal(t, "completed", states[0].Status)
		assert.Equal(t, "completed", states[3].Status)
		assert.Equal(t, "pending", states[5].Status)
		assert.Equal(t, "phase0", states[0].Excerpt)
	})
}

func TestPhaseStateExcerptKeepsRunesIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Offset the multi-byte runs so the excerpt limit lands mid-rune.
	text := "x" + strings.Repeat("世", 400)
	require.NoError(t, s.AppendArtifact(ctx, &trace.Artifact{
		ProjectID:  "proj-1",
		PhaseIndex: intPtr(0),
		Type:       trace.ArtifactStepOutput,
		Source:     trace.SourceAgent,
		Visibility: trace.VisibilityBoth,
		Title:      "phase 0",
		Content:    text,
	}))

	states, err := s.QueryPhaseStates(ctx, "proj-1")
	require.NoError(t, err)
	excerpt := states[0].Excerpt
	assert.Less(t, len(excerpt), len(text))
	assert.True(t, utf8.ValidString(excerpt))
}

func TestAssets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAsset(ctx, &trace.Asset{
		ProjectID: "proj-1", Title: "logo", MIMEType: "image/png",
		RemoteURL: "https://cdn.example.com/logo.png", SizeBytes: 1024,
	}))
	require.NoError(t, s.InsertAsset(ctx, &trace.Asset{
		ProjectID: "proj-1", PhaseIndex: intPtr(6), Title: "late sketch",
		MIMEType: "image/png", LocalPath: "/tmp/sketch.png",
	}))

	t.Run("phase scoping", func(t *testing.T) {
		got, err := s.QueryAssets(ctx, "proj-1", intPtr(3), 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "logo", got[0].Title)
	})

	t.Run("nil phase returns everything", func(t *testing.T) {
		got, err := s.QueryAssets(ctx, "proj-1", nil, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("limit respected", func(t *testing.T) {
		got, err := s.QueryAssets(ctx, "proj-1", nil, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}
