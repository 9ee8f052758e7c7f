package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"draftforge/internal/changes"
	"draftforge/internal/runner"
	"draftforge/internal/trace"
)

var (
	// step flags
	stepTitle       string
	stepRequirement string
	stepPrevious    string

	// chat flags
	chatMessage string

	// analyze flags
	analyzeTitle       string
	analyzeRequirement string
	analyzeRequest     string

	// attach flags
	attachTitle string
	attachPhase int
)

var stepCmd = &cobra.Command{
	Use:   "step <project> <phase>",
	Short: "Execute one pipeline phase for a project",
	Long: `Runs the full stage pipeline for one phase: assemble context, plan,
alternate draft and review rounds until the quality gate passes or the
iteration cap is reached, then finalize. Prints the phase output as JSON.`,
	Args: cobra.ExactArgs(2),
	RunE: runStep,
}

var chatCmd = &cobra.Command{
	Use:   "chat <project> <phase>",
	Short: "Refine a completed phase's deliverable in conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runChat,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <project>",
	Short: "Classify a change request against the project's phase state",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var attachCmd = &cobra.Command{
	Use:   "attach <project> <file>",
	Short: "Attach a file as a project asset for context assembly",
	Args:  cobra.ExactArgs(2),
	RunE:  runAttach,
}

var traceCmd = &cobra.Command{
	Use:   "trace <project> <run-id>",
	Short: "Print a run's trace: the run row, its actions and recent artifacts",
	Args:  cobra.ExactArgs(2),
	RunE:  runTrace,
}

func parsePhase(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("phase must be an integer 0-8, got %q", arg)
	}
	return n, nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func runStep(cmd *cobra.Command, args []string) error {
	phaseIndex, err := parsePhase(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	output, err := rt.orch.ExecuteStep(ctx, args[0], phaseIndex, runner.StepInput{
		ProjectTitle:   stepTitle,
		RawRequirement: stepRequirement,
		PreviousOutput: stepPrevious,
	}, nil)
	if err != nil {
		return err
	}
	return printJSON(output)
}

func runChat(cmd *cobra.Command, args []string) error {
	phaseIndex, err := parsePhase(args[1])
	if err != nil {
		return err
	}
	if chatMessage == "" {
		return fmt.Errorf("--message is required")
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	existing, err := latestOutput(ctx, rt, args[0], phaseIndex)
	if err != nil {
		return err
	}

	output, err := rt.orch.ContinueConversation(ctx, args[0], phaseIndex, existing, chatMessage, nil)
	if err != nil {
		return err
	}
	return printJSON(output)
}

// latestOutput finds the most recent step_output for the phase; an empty
// string means the phase has not completed yet, which conversation mode
// treats as refining from scratch.
func latestOutput(ctx context.Context, rt *runtime, projectID string, phaseIndex int) (string, error) {
	artifacts, err := rt.store.QueryArtifacts(ctx, trace.ArtifactFilter{
		ProjectID: projectID,
		MaxPhase:  &phaseIndex,
		Types:     []trace.ArtifactType{trace.ArtifactStepOutput},
		Limit:     20,
	})
	if err != nil {
		return "", err
	}
	for _, a := range artifacts {
		if a.PhaseIndex != nil && *a.PhaseIndex == phaseIndex {
			return a.Content, nil
		}
	}
	return "", nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if analyzeRequest == "" {
		return fmt.Errorf("--request is required")
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	analysis, err := rt.analyzer.Analyze(ctx, args[0], changes.Request{
		ProjectTitle:   analyzeTitle,
		RawRequirement: analyzeRequirement,
		ChangeRequest:  analyzeRequest,
	})
	if err != nil {
		return err
	}
	return printJSON(analysis)
}

func runAttach(cmd *cobra.Command, args []string) error {
	path := args[1]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	title := attachTitle
	if title == "" {
		title = filepath.Base(path)
	}
	asset := &trace.Asset{
		ID:        uuid.NewString(),
		ProjectID: args[0],
		Title:     title,
		MIMEType:  mime.TypeByExtension(filepath.Ext(path)),
		SizeBytes: info.Size(),
		LocalPath: path,
	}
	if attachPhase >= 0 {
		asset.PhaseIndex = &attachPhase
	}
	if err := rt.store.InsertAsset(ctx, asset); err != nil {
		return err
	}
	return printJSON(asset)
}

func runTrace(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	run, err := rt.store.GetRun(ctx, args[1])
	if err != nil {
		return err
	}
	actions, err := rt.store.ListActions(ctx, args[1])
	if err != nil {
		return err
	}
	artifacts, err := rt.store.QueryArtifacts(ctx, trace.ArtifactFilter{
		ProjectID: args[0],
		Limit:     50,
	})
	if err != nil {
		return err
	}

	// Keep only artifacts belonging to this run; global project artifacts
	// (change requests, uploads) have no run id and are shown separately.
	var runArtifacts, projectArtifacts []*trace.Artifact
	for _, a := range artifacts {
		if a.RunID == args[1] {
			runArtifacts = append(runArtifacts, a)
		} else if a.RunID == "" {
			projectArtifacts = append(projectArtifacts, a)
		}
	}

	return printJSON(map[string]any{
		"run":               run,
		"actions":           actions,
		"run_artifacts":     runArtifacts,
		"project_artifacts": projectArtifacts,
	})
}

func init() {
	stepCmd.Flags().StringVar(&stepTitle, "title", "", "project title")
	stepCmd.Flags().StringVar(&stepRequirement, "requirement", "", "raw originating requirement")
	stepCmd.Flags().StringVar(&stepPrevious, "previous", "", "previous phase output, when held by the caller")

	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "user message refining the deliverable")

	analyzeCmd.Flags().StringVar(&analyzeTitle, "title", "", "project title")
	analyzeCmd.Flags().StringVar(&analyzeRequirement, "requirement", "", "raw originating requirement")
	analyzeCmd.Flags().StringVarP(&analyzeRequest, "request", "r", "", "free-text change request")

	attachCmd.Flags().StringVar(&attachTitle, "title", "", "asset title (defaults to the file name)")
	attachCmd.Flags().IntVar(&attachPhase, "phase", -1, "phase the asset belongs to (-1 for project-wide)")

	rootCmd.AddCommand(stepCmd, chatCmd, analyzeCmd, attachCmd, traceCmd)
}
