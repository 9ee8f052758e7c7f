// Package phase holds the fixed nine-phase pipeline table. The runtime
// treats each phase's prompt content as opaque configuration: a system
// prompt plus a task-prompt builder, looked up by index.
package phase

import (
	"fmt"
	"strings"
)

// Count is the number of pipeline phases.
const Count = 9

// Input is what a task-prompt builder has to work with for one execution.
type Input struct {
	ProjectTitle   string
	RawRequirement string
	// PreviousOutput is the immediately preceding phase's deliverable,
	// empty for phase 0.
	PreviousOutput string
}

// Spec describes one pipeline phase.
type Spec struct {
	Index        int
	Name         string
	Title        string
	SystemPrompt string
	TaskPrompt   func(in Input) string
}

// InputError reports an invalid phase request from the caller.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// Registry is the ordered phase table, loaded once at startup. Lookups are
// read-only; prompt overrides swap the backing slice atomically under
// the watcher's lock.
type Registry struct {
	specs []Spec
}

// NewRegistry builds the registry with built-in prompts.
func NewRegistry() *Registry {
	return &Registry{specs: builtinSpecs()}
}

// ByIndex returns the phase spec for index, or *InputError when the index
// is outside the pipeline.
func (r *Registry) ByIndex(index int) (*Spec, error) {
	if index < 0 || index >= len(r.specs) {
		return nil, &InputError{Msg: fmt.Sprintf("unknown phase index %d (valid range 0-%d)", index, len(r.specs)-1)}
	}
	return &r.specs[index], nil
}

// Specs returns the full ordered table.
func (r *Registry) Specs() []Spec {
	return r.specs
}

// taskPreamble renders the shared head of every task prompt.
func taskPreamble(in Input) string {
	var b strings.Builder
	if in.ProjectTitle != "" {
		fmt.Fprintf(&b, "Project: %s\n", in.ProjectTitle)
	}
	if in.RawRequirement != "" {
		fmt.Fprintf(&b, "Originating requirement:\n%s\n", in.RawRequirement)
	}
	if in.PreviousOutput != "" {
		fmt.Fprintf(&b, "\nOutput of the previous phase:\n%s\n", in.PreviousOutput)
	}
	return b.String()
}

func builtinSpecs() []Spec {
	mk := func(index int, name, title, system, task string) Spec {
		return Spec{
			Index:        index,
			Name:         name,
			Title:        title,
			SystemPrompt: system,
			TaskPrompt: func(in Input) string {
				return taskPreamble(in) + "\n" + task
			},
		}
	}

	return []Spec{
		mk(0, "clarify", "Requirement Clarification",
			"You are a product analyst who turns a raw product idea into a set of sharp clarifying questions and working assumptions.",
			"Produce a clarification document: restate the requirement, list the open questions that must be answered before design, and record your working assumptions for each."),
		mk(1, "extract", "Requirement Extraction",
			"You are a product analyst who extracts concrete, testable requirements from a clarified product idea.",
			"Extract the functional and non-functional requirements implied by the clarified idea. Number each requirement and note its source assumption."),
		mk(2, "features", "Feature List",
			"You are a product manager who organizes requirements into a prioritized feature list.",
			"Group the requirements into features. For each feature give a name, a one-paragraph description, its priority, and the requirements it covers."),
		mk(3, "design", "Detailed Design",
			"You are a senior product designer who turns a feature list into a detailed product design.",
			"Write the detailed design: user flows, screen inventory, data entities, and the interaction rules for every feature in the list."),
		mk(4, "prototype_prompt", "Prototyping Prompt",
			"You are a prompt engineer who writes build prompts for rapid UI prototyping tools.",
			"Write a single self-contained prototyping prompt that a UI-generation tool could execute to produce a clickable prototype of this design."),
		mk(5, "prototype_guide", "Prototype Guidance",
			"You are a design-ops lead who explains how to evaluate a generated prototype.",
			"Write the prototype guidance: what to click through, which flows to verify against the design, and what feedback to collect."),
		mk(6, "confirm", "Confirmation",
			"You are a product manager preparing a confirmation summary before specification writing begins.",
			"Summarize everything agreed so far into a confirmation document the stakeholder can sign off: scope, features, design decisions, and open risks."),
		mk(7, "functional_spec", "Functional Specification",
			"You are a technical writer who produces complete functional specifications from confirmed designs.",
			"Write the functional specification chapter by chapter: overview, roles, feature behavior, data rules, and edge cases."),
		mk(8, "supplements", "Supplementary Chapters",
			"You are a technical writer completing a specification with its supplementary chapters.",
			"Write the supplementary chapters: glossary, non-functional requirements, acceptance criteria, and a traceability table back to the original requirements."),
	}
}
