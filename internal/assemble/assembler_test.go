package assemble

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftforge/internal/llm"
	"draftforge/internal/trace"
)

// fakeHistory implements the trace query interfaces in memory.
type fakeHistory struct {
	outputs   []*trace.PhaseOutput
	artifacts []*trace.Artifact
	assets    []*trace.Asset
}

func (f *fakeHistory) QueryPriorPhaseOutputs(_ context.Context, _ string, beforePhase int) ([]*trace.PhaseOutput, error) {
	var out []*trace.PhaseOutput
	for _, po := range f.outputs {
		if po.PhaseIndex < beforePhase {
			out = append(out, po)
		}
	}
	return out, nil
}

func (f *fakeHistory) QueryPhaseStates(_ context.Context, _ string) ([]*trace.PhaseState, error) {
	return nil, nil
}

func (f *fakeHistory) QueryArtifacts(_ context.Context, filter trace.ArtifactFilter) ([]*trace.Artifact, error) {
	return f.artifacts, nil
}

func (f *fakeHistory) QueryArtifactsVisibleToAgent(_ context.Context, _ string, _, limit int) ([]*trace.Artifact, error) {
	if limit > 0 && len(f.artifacts) > limit {
		return f.artifacts[:limit], nil
	}
	return f.artifacts, nil
}

func (f *fakeHistory) QueryAssets(_ context.Context, _ string, _ *int, limit int) ([]*trace.Asset, error) {
	if limit > 0 && len(f.assets) > limit {
		return f.assets[:limit], nil
	}
	return f.assets, nil
}

func newAssembler(h *fakeHistory, cfg Config) *Assembler {
	return New(h, h, h, nil, cfg, nil)
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("prior outputs ascending with excerpts", func(t *testing.T) {
		h := &fakeHistory{outputs: []*trace.PhaseOutput{
			{PhaseIndex: 0, Title: "Clarification", Text: "clarified " + strings.Repeat("x", 100)},
			{PhaseIndex: 1, Title: "Extraction", Text: "extracted"},
		}}
		asm := newAssembler(h, Config{OutputExcerptLen: 20})

		got, err := asm.Build(ctx, "proj", 2)
		require.NoError(t, err)
		assert.Contains(t, got.PriorOutputs, "Phase 0: Clarification")
		assert.Contains(t, got.PriorOutputs, "Phase 1: Extraction")
		assert.Less(t, strings.Index(got.PriorOutputs, "Phase 0"), strings.Index(got.PriorOutputs, "Phase 1"))
		// Long output was excerpted.
		assert.NotContains(t, got.PriorOutputs, strings.Repeat("x", 50))
	})

	t.Run("artifact notes name type and phase", func(t *testing.T) {
		phase := 1
		h := &fakeHistory{artifacts: []*trace.Artifact{
			{Type: trace.ArtifactChangeRequest, Title: "tweak colors", Content: "make it blue"},
			{Type: trace.ArtifactPlan, PhaseIndex: &phase, Title: "phase plan", Content: "the plan"},
		}}
		asm := newAssembler(h, Config{})

		got, err := asm.Build(ctx, "proj", 3)
		require.NoError(t, err)
		assert.Contains(t, got.ArtifactNotes, "change_request, global")
		assert.Contains(t, got.ArtifactNotes, "plan, phase 1")
	})

	t.Run("boundedness: huge history stays within budgets", func(t *testing.T) {
		h := &fakeHistory{}
		for i := 0; i < 500; i++ {
			h.outputs = append(h.outputs, &trace.PhaseOutput{
				PhaseIndex: i % 8, Title: fmt.Sprintf("out %d", i),
				Text: strings.Repeat("o", 5000), CreatedAt: time.Now(),
			})
			h.artifacts = append(h.artifacts, &trace.Artifact{
				Type: trace.ArtifactDraft, Title: fmt.Sprintf("art %d", i),
				Content: strings.Repeat("a", 5000),
			})
		}
		cfg := Config{
			MaxArtifacts:       15,
			OutputExcerptLen:   500,
			ArtifactExcerptLen: 300,
			OutputsBudget:      4000,
			ArtifactsBudget:    3000,
		}
		asm := newAssembler(h, cfg)

		got, err := asm.Build(ctx, "proj", 8)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got.PriorOutputs), cfg.OutputsBudget)
		assert.LessOrEqual(t, len(got.ArtifactNotes), cfg.ArtifactsBudget)
	})

	t.Run("asset count cap", func(t *testing.T) {
		h := &fakeHistory{}
		for i := 0; i < 50; i++ {
			h.assets = append(h.assets, &trace.Asset{
				Title: fmt.Sprintf("asset %d", i), MIMEType: "image/png",
				RemoteURL: fmt.Sprintf("https://cdn.example.com/%d.png", i),
			})
		}
		asm := newAssembler(h, Config{MaxAssets: 5})

		got, err := asm.Build(ctx, "proj", 1)
		require.NoError(t, err)
		assert.Len(t, got.Assets, 5)
	})
}

func TestContextRendering(t *testing.T) {
	t.Run("asset parts map kinds to content parts", func(t *testing.T) {
		c := &Context{Assets: []ResolvedAsset{
			{Kind: KindImage, URL: "https://cdn.example.com/a.png"},
			{Kind: KindFile, URL: "https://cdn.example.com/b.pdf"},
			{Kind: KindText, Title: "notes", Text: "hello"},
			{Kind: KindOpaque, Placeholder: "[asset unreadable]"},
		}}
		parts := c.AssetParts()
		require.Len(t, parts, 4)
		assert.Equal(t, llm.PartImageURL, parts[0].Type)
		assert.Equal(t, llm.PartFileURL, parts[1].Type)
		assert.Equal(t, llm.PartText, parts[2].Type)
		assert.Contains(t, parts[2].Text, "notes")
		assert.Contains(t, parts[3].Text, "unreadable")
	})

	t.Run("text sections render with headers", func(t *testing.T) {
		c := &Context{PriorOutputs: "outputs here", ArtifactNotes: "notes here"}
		text := c.Text()
		assert.Contains(t, text, "## Prior phase outputs")
		assert.Contains(t, text, "## Project artifacts")
	})

	t.Run("empty context renders empty", func(t *testing.T) {
		c := &Context{}
		assert.Empty(t, c.Text())
	})
}

func TestExcerpt(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, "hello", excerpt("hello", 10))
	})

	t.Run("long text is cut with an ellipsis", func(t *testing.T) {
		got := excerpt(strings.Repeat("a", 20), 10)
		assert.Equal(t, strings.Repeat("a", 10)+"…", got)
	})

	t.Run("never cuts through a multi-byte rune", func(t *testing.T) {
		// One ASCII byte up front pushes every rune off the limit boundary.
		s := "x" + strings.Repeat("世", 20)
		got := excerpt(s, 10)
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got)-len("…"), 10)
	})
}
