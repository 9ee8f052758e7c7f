// Package assemble builds bounded model context for a (project, phase)
// pair from prior phase outputs, lifecycle artifacts and uploaded assets.
// Its core contract: assembled size is bounded by configuration, never by
// the size of project history.
package assemble

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"draftforge/internal/llm"
	"draftforge/internal/trace"
)

// Config caps every section of assembled context.
type Config struct {
	MaxArtifacts       int
	MaxAssets          int
	OutputExcerptLen   int
	ArtifactExcerptLen int
	OutputsBudget      int
	ArtifactsBudget    int
}

// DefaultConfig returns the standard caps: tens of items, a few thousand
// characters per section.
func DefaultConfig() Config {
	return Config{
		MaxArtifacts:       20,
		MaxAssets:          10,
		OutputExcerptLen:   2000,
		ArtifactExcerptLen: 1200,
		OutputsBudget:      12000,
		ArtifactsBudget:    8000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxArtifacts <= 0 {
		c.MaxArtifacts = def.MaxArtifacts
	}
	if c.MaxAssets <= 0 {
		c.MaxAssets = def.MaxAssets
	}
	if c.OutputExcerptLen <= 0 {
		c.OutputExcerptLen = def.OutputExcerptLen
	}
	if c.ArtifactExcerptLen <= 0 {
		c.ArtifactExcerptLen = def.ArtifactExcerptLen
	}
	if c.OutputsBudget <= 0 {
		c.OutputsBudget = def.OutputsBudget
	}
	if c.ArtifactsBudget <= 0 {
		c.ArtifactsBudget = def.ArtifactsBudget
	}
	return c
}

// Context is the assembled, bounded context for one phase execution.
type Context struct {
	PriorOutputs  string
	ArtifactNotes string
	Assets        []ResolvedAsset
}

// AssetParts converts resolved assets to model content parts. Text and
// opaque assets become labelled text parts; images and files keep their
// typed form.
func (c *Context) AssetParts() []llm.ContentPart {
	parts := make([]llm.ContentPart, 0, len(c.Assets))
	for _, a := range c.Assets {
		switch a.Kind {
		case KindImage:
			parts = append(parts, llm.ContentPart{Type: llm.PartImageURL, URL: a.URL})
		case KindFile:
			parts = append(parts, llm.ContentPart{Type: llm.PartFileURL, URL: a.URL})
		case KindText:
			parts = append(parts, llm.ContentPart{
				Type: llm.PartText,
				Text: fmt.Sprintf("Attached asset %q:\n%s", a.Title, a.Text),
			})
		default:
			parts = append(parts, llm.ContentPart{Type: llm.PartText, Text: a.Placeholder})
		}
	}
	return parts
}

// Text renders the textual sections for prompt embedding.
func (c *Context) Text() string {
	var b strings.Builder
	if c.PriorOutputs != "" {
		b.WriteString("## Prior phase outputs\n")
		b.WriteString(c.PriorOutputs)
		b.WriteString("\n")
	}
	if c.ArtifactNotes != "" {
		b.WriteString("## Project artifacts\n")
		b.WriteString(c.ArtifactNotes)
		b.WriteString("\n")
	}
	return b.String()
}

// Assembler reads project history through the trace query interfaces and
// produces bounded context.
type Assembler struct {
	outputs   trace.PhaseOutputQuerier
	artifacts trace.ArtifactQuerier
	assets    trace.AssetQuerier
	resolver  Resolver
	cfg       Config
	logger    *zap.Logger
}

// New creates an assembler. A nil resolver gets the filesystem default.
func New(outputs trace.PhaseOutputQuerier, artifacts trace.ArtifactQuerier, assets trace.AssetQuerier, resolver Resolver, cfg Config, logger *zap.Logger) *Assembler {
	if resolver == nil {
		resolver = NewFileResolver(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		outputs:   outputs,
		artifacts: artifacts,
		assets:    assets,
		resolver:  resolver,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so truncation never splits a character.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// Build assembles context for executing phaseIndex of projectID.
func (a *Assembler) Build(ctx context.Context, projectID string, phaseIndex int) (*Context, error) {
	out := &Context{}

	outputs, err := a.outputs.QueryPriorPhaseOutputs(ctx, projectID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("query prior outputs: %w", err)
	}
	out.PriorOutputs = a.renderOutputs(outputs)

	artifacts, err := a.artifacts.QueryArtifactsVisibleToAgent(ctx, projectID, phaseIndex, a.cfg.MaxArtifacts)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	out.ArtifactNotes = a.renderArtifacts(artifacts)

	maxPhase := phaseIndex
	assets, err := a.assets.QueryAssets(ctx, projectID, &maxPhase, a.cfg.MaxAssets)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	for _, asset := range assets {
		out.Assets = append(out.Assets, a.resolver.Resolve(ctx, asset))
	}

	a.logger.Debug("context assembled",
		zap.String("project", projectID),
		zap.Int("phase", phaseIndex),
		zap.Int("prior_outputs", len(outputs)),
		zap.Int("artifacts", len(artifacts)),
		zap.Int("assets", len(assets)),
		zap.Int("outputs_chars", len(out.PriorOutputs)),
		zap.Int("artifact_chars", len(out.ArtifactNotes)))
	return out, nil
}

// renderOutputs concatenates completed phase outputs ascending, each
// excerpted, under the hard section budget.
func (a *Assembler) renderOutputs(outputs []*trace.PhaseOutput) string {
	var b strings.Builder
	for _, po := range outputs {
		entry := fmt.Sprintf("### Phase %d: %s\n%s\n\n",
			po.PhaseIndex, po.Title, excerpt(po.Text, a.cfg.OutputExcerptLen))
		if b.Len()+len(entry) > a.cfg.OutputsBudget {
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderArtifacts lists artifacts most-recent-first under count, per-item
// and section caps. The count cap is already applied by the query.
func (a *Assembler) renderArtifacts(artifacts []*trace.Artifact) string {
	var b strings.Builder
	for _, art := range artifacts {
		phase := "global"
		if art.PhaseIndex != nil {
			phase = fmt.Sprintf("phase %d", *art.PhaseIndex)
		}
		entry := fmt.Sprintf("- [%s, %s] %s: %s\n",
			art.Type, phase, art.Title, excerpt(art.Content, a.cfg.ArtifactExcerptLen))
		if b.Len()+len(entry) > a.cfg.ArtifactsBudget {
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimRight(b.String(), "\n")
}
