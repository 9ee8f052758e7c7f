// Package trace defines the persistent record of pipeline execution:
// Runs (one execution attempt per project phase), Actions (append-only
// stage trace entries) and Artifacts (typed content snapshots used both
// for audit and for cross-phase context recovery).
package trace

import "time"

// RunStatus is the terminal-or-live status of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Stage identifies where a Run currently is in the pipeline.
type Stage string

const (
	StageContext   Stage = "context"
	StagePlan      Stage = "plan"
	StageDraft     Stage = "draft"
	StageReview    Stage = "review"
	StageFinal     Stage = "final"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// ActionType categorizes a trace entry.
type ActionType string

const (
	ActionContext ActionType = "context"
	ActionPlan    ActionType = "plan"
	ActionDraft   ActionType = "draft"
	ActionReview  ActionType = "review"
	ActionFinal   ActionType = "final"
	ActionError   ActionType = "error"
)

// ArtifactType categorizes a persisted content snapshot.
type ArtifactType string

const (
	ArtifactStepInput        ArtifactType = "step_input"
	ArtifactStepOutput       ArtifactType = "step_output"
	ArtifactPlan             ArtifactType = "plan"
	ArtifactDraft            ArtifactType = "draft"
	ArtifactReview           ArtifactType = "review"
	ArtifactFinal            ArtifactType = "final"
	ArtifactConversationNote ArtifactType = "conversation_note"
	ArtifactChangeRequest    ArtifactType = "change_request"
	ArtifactChangeAnalysis   ArtifactType = "change_analysis"
	ArtifactSnapshot         ArtifactType = "snapshot"
)

// ArtifactSource records who produced an artifact.
type ArtifactSource string

const (
	SourceUser   ArtifactSource = "user"
	SourceAgent  ArtifactSource = "agent"
	SourceSystem ArtifactSource = "system"
)

// Visibility controls who an artifact is surfaced to. Artifacts visible
// to the agent (VisibilityAgent or VisibilityBoth) feed context assembly.
type Visibility string

const (
	VisibilityUser  Visibility = "user"
	VisibilityAgent Visibility = "agent"
	VisibilityBoth  Visibility = "both"
)

// Run is one execution attempt of the stage pipeline for a (project, phase)
// pair. Runs are mutated in place while live and never resumed once terminal.
type Run struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	PhaseIndex int        `json:"phase_index"`
	Strategy   string     `json:"strategy"`
	Status     RunStatus  `json:"status"`
	Stage      Stage      `json:"stage"`
	Iteration  int        `json:"iteration"`
	State      map[string]any `json:"state,omitempty"`
	Output     *Output    `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Action is an append-only trace entry belonging to exactly one Run.
// Immutable once written.
type Action struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	PhaseIndex int               `json:"phase_index"`
	Type       ActionType        `json:"type"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Artifact is a typed content snapshot. Immutable once written. Artifacts
// are the only channel through which context assembly recovers history.
type Artifact struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	PhaseIndex *int           `json:"phase_index,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Iteration  *int           `json:"iteration,omitempty"`
	Type       ArtifactType   `json:"type"`
	Source     ArtifactSource `json:"source"`
	Visibility Visibility     `json:"visibility"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Plan is the planner's structured output, embedded in an Artifact payload
// rather than persisted as its own row.
type Plan struct {
	Objective     string   `json:"objective"`
	Deliverables  []string `json:"deliverables"`
	ExecutionPlan []string `json:"execution_plan"`
	QualityGates  []string `json:"quality_gates"`
	Risks         []string `json:"risks"`
}

// Verdict is the reviewer's overall judgment of a draft.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictRevise Verdict = "revise"
	VerdictBlock  Verdict = "block"
)

// IssueSeverity ranks a review finding.
type IssueSeverity string

const (
	SeverityHigh   IssueSeverity = "high"
	SeverityMedium IssueSeverity = "medium"
	SeverityLow    IssueSeverity = "low"
)

// Issue is a single reviewer finding with a suggested fix.
type Issue struct {
	Severity IssueSeverity `json:"severity"`
	Issue    string        `json:"issue"`
	Fix      string        `json:"fix"`
}

// Review is the reviewer's structured output for one draft round.
type Review struct {
	Score              int      `json:"score"`
	Verdict            Verdict  `json:"verdict"`
	Summary            string   `json:"summary"`
	Issues             []Issue  `json:"issues"`
	MissingInformation []string `json:"missing_information"`
}

// Passed reports whether this review clears the quality gate: a pass
// verdict, a score at or above threshold, and no high-severity issue.
func (r *Review) Passed(passScore int) bool {
	if r == nil || r.Verdict != VerdictPass || r.Score < passScore {
		return false
	}
	for _, iss := range r.Issues {
		if iss.Severity == SeverityHigh {
			return false
		}
	}
	return true
}

// AgentReport summarizes how a Run converged, attached to every Output.
type AgentReport struct {
	RunID              string   `json:"run_id"`
	Strategy           string   `json:"strategy"`
	Iterations         int      `json:"iterations"`
	MaxIterations      int      `json:"max_iterations"`
	BestScore          int      `json:"best_score"`
	PassScore          int      `json:"pass_score"`
	Verdict            Verdict  `json:"verdict"`
	Passed             bool     `json:"passed"`
	MissingInformation []string `json:"missing_information"`
}

// OutputArtifacts carries the milestone objects alongside the final text.
type OutputArtifacts struct {
	Plan         *Plan   `json:"plan,omitempty"`
	LatestReview *Review `json:"latest_review,omitempty"`
}

// Output is the payload a completed Run hands back to the caller and
// persists as the phase's step_output artifact.
type Output struct {
	Text      string          `json:"text"`
	Timestamp time.Time       `json:"timestamp"`
	Agent     AgentReport     `json:"agent"`
	Artifacts OutputArtifacts `json:"artifacts"`
}
