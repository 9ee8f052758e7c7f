// Package changes classifies free-form change requests against the full
// nine-phase pipeline state: which kind of change it is, where execution
// should resume, and which downstream phases it touches. The classifier
// only recommends; it never mutates phase state.
package changes

import "sort"

// Intent categorizes a change request.
type Intent string

const (
	IntentCopyEdit            Intent = "copy_edit"
	IntentUXTweak             Intent = "ux_tweak"
	IntentFeatureAdjustment   Intent = "feature_adjustment"
	IntentNewFeature          Intent = "new_feature"
	IntentScopeChange         Intent = "scope_change"
	IntentTechnicalConstraint Intent = "technical_constraint"
)

// knownIntents lists the accepted intent values. Anything else normalizes
// to IntentFeatureAdjustment.
var knownIntents = map[Intent]bool{
	IntentCopyEdit:            true,
	IntentUXTweak:             true,
	IntentFeatureAdjustment:   true,
	IntentNewFeature:          true,
	IntentScopeChange:         true,
	IntentTechnicalConstraint: true,
}

const (
	firstPhase = 0
	lastPhase  = 8
)

// Analysis is the classifier's decision. RecommendedStartPhase is the
// pipeline index a reset collaborator should resume from; ImpactedPhases
// is deduplicated, sorted and never empty after normalization.
type Analysis struct {
	Intent                Intent   `json:"intent"`
	RecommendedStartPhase int      `json:"recommended_start_phase"`
	ImpactedPhases        []int    `json:"impacted_phases"`
	Reason                string   `json:"reason"`
	Risks                 []string `json:"risks"`
	Conflicts             []string `json:"conflicts"`
	ActionPlan            []string `json:"action_plan"`
	Summary               string   `json:"summary"`
}

// normalize repairs a decoded Analysis in place so every consumer can rely
// on the invariants: intent is a known value, the start phase is in range,
// impacted phases are in-range, deduplicated, sorted and non-empty.
func (a *Analysis) normalize() {
	if !knownIntents[a.Intent] {
		a.Intent = IntentFeatureAdjustment
	}
	if a.RecommendedStartPhase < firstPhase {
		a.RecommendedStartPhase = firstPhase
	}
	if a.RecommendedStartPhase > lastPhase {
		a.RecommendedStartPhase = lastPhase
	}

	seen := map[int]bool{}
	impacted := make([]int, 0, len(a.ImpactedPhases))
	for _, p := range a.ImpactedPhases {
		if p < firstPhase || p > lastPhase || seen[p] {
			continue
		}
		seen[p] = true
		impacted = append(impacted, p)
	}
	if len(impacted) == 0 {
		impacted = []int{a.RecommendedStartPhase}
	}
	sort.Ints(impacted)
	a.ImpactedPhases = impacted

	if a.Risks == nil {
		a.Risks = []string{}
	}
	if a.Conflicts == nil {
		a.Conflicts = []string{}
	}
	if a.ActionPlan == nil {
		a.ActionPlan = []string{}
	}
}
