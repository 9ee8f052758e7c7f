package trace

import (
	"context"
	"time"
)

// Recorder is the write side of run persistence. Implementations append
// Actions and Artifacts and update the single live Run row; they never
// rewrite history.
type Recorder interface {
	StartRun(ctx context.Context, run *Run) error
	UpdateRunProgress(ctx context.Context, runID string, stage Stage, iteration int, state map[string]any) error
	AppendAction(ctx context.Context, action *Action) error
	AppendArtifact(ctx context.Context, artifact *Artifact) error
	FinishRun(ctx context.Context, runID string, status RunStatus, output *Output, errMsg string) error
}

// ArtifactFilter narrows an artifact query. A nil Phase matches any phase;
// IncludeGlobal additionally admits artifacts with no phase index.
type ArtifactFilter struct {
	ProjectID     string
	MaxPhase      *int
	IncludeGlobal bool
	Types         []ArtifactType
	Visibility    []Visibility
	Limit         int
}

// PhaseOutput is a completed phase's deliverable as seen by context assembly.
type PhaseOutput struct {
	PhaseIndex int
	Title      string
	Text       string
	CreatedAt  time.Time
}

// PhaseState is a phase's status plus a bounded output excerpt, used by
// change-impact analysis which needs visibility over all phases.
type PhaseState struct {
	PhaseIndex int
	Name       string
	Status     string
	Excerpt    string
}

// Asset is an uploaded file attached to a project or to one of its phases.
// RemoteURL is set when the storage backend exposes a resolvable reference;
// LocalPath is the fallback for locally staged files.
type Asset struct {
	ID         string
	ProjectID  string
	PhaseIndex *int
	Title      string
	MIMEType   string
	SizeBytes  int64
	RemoteURL  string
	LocalPath  string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// ArtifactQuerier is the read side used by context assembly.
// QueryArtifactsVisibleToAgent applies the agent visibility rule: artifacts
// with visibility both|agent that are global, at or before maxPhase, or of
// a change-context type (those stay visible regardless of phase).
type ArtifactQuerier interface {
	QueryArtifacts(ctx context.Context, filter ArtifactFilter) ([]*Artifact, error)
	QueryArtifactsVisibleToAgent(ctx context.Context, projectID string, maxPhase, limit int) ([]*Artifact, error)
}

// PhaseOutputQuerier recovers prior deliverables and per-phase status.
type PhaseOutputQuerier interface {
	QueryPriorPhaseOutputs(ctx context.Context, projectID string, beforePhase int) ([]*PhaseOutput, error)
	QueryPhaseStates(ctx context.Context, projectID string) ([]*PhaseState, error)
}

// AssetQuerier lists uploaded assets scoped to the project or a phase range.
type AssetQuerier interface {
	QueryAssets(ctx context.Context, projectID string, maxPhase *int, limit int) ([]*Asset, error)
}

// Store is the full persistence collaborator surface the runtime consumes.
type Store interface {
	Recorder
	ArtifactQuerier
	PhaseOutputQuerier
	AssetQuerier
}
