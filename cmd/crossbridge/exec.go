package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossstack-ai/crossbridge/internal/model"
	"github.com/crossstack-ai/crossbridge/internal/orchestrator"
)

// execFlags mirrors the exec run/plan flag surface onto an
// ExecutionRequest.
type execFlags struct {
	framework    string
	strategy     string
	env          string
	ci           bool
	dryRun       bool
	maxTests     int
	maxDuration  int
	tags         []string
	excludeTags  []string
	includeFlaky bool
	noParallel   bool
	baseBranch   string
	branch       string
	commit       string
	buildID      string
}

func (f *execFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.framework, "framework", "", "framework tag (required)")
	cmd.Flags().StringVar(&f.strategy, "strategy", model.StrategySmoke, "smoke|impacted|risk|full")
	cmd.Flags().StringVar(&f.env, "env", "", "target environment label")
	cmd.Flags().BoolVar(&f.ci, "ci", false, "CI mode (implies JSON logs)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan and print, never execute")
	cmd.Flags().IntVar(&f.maxTests, "max-tests", 0, "cap on selected tests (0 = unlimited)")
	cmd.Flags().IntVar(&f.maxDuration, "max-duration", -1, "wall-clock budget in minutes (-1 = unlimited)")
	cmd.Flags().StringSliceVar(&f.tags, "tags", nil, "only tests carrying any of these tags")
	cmd.Flags().StringSliceVar(&f.excludeTags, "exclude-tags", nil, "drop tests carrying any of these tags")
	cmd.Flags().BoolVar(&f.includeFlaky, "include-flaky", false, "keep tests from the flaky cache")
	cmd.Flags().BoolVar(&f.noParallel, "no-parallel", false, "force serial execution")
	cmd.Flags().StringVar(&f.baseBranch, "base-branch", "", "diff base for impacted selection")
	cmd.Flags().StringVar(&f.branch, "branch", "", "branch label recorded in metadata")
	cmd.Flags().StringVar(&f.commit, "commit", "", "commit sha recorded in metadata")
	cmd.Flags().StringVar(&f.buildID, "build-id", "", "CI build id recorded in metadata")
	_ = cmd.MarkFlagRequired("framework")
}

func (f *execFlags) request() *model.ExecutionRequest {
	req := &model.ExecutionRequest{
		Framework:    f.framework,
		Strategy:     f.strategy,
		Environment:  f.env,
		CIMode:       f.ci,
		DryRun:       f.dryRun,
		MaxTests:     f.maxTests,
		Tags:         f.tags,
		ExcludeTags:  f.excludeTags,
		IncludeFlaky: f.includeFlaky,
		Parallel:     !f.noParallel,
		BaseBranch:   f.baseBranch,
		Metadata:     map[string]string{},
	}
	if f.maxDuration >= 0 {
		req.MaxDurationMinutes = f.maxDuration
		if f.maxDuration == 0 {
			req.Metadata["max_duration_explicit"] = "0"
		}
	}
	for k, v := range map[string]string{
		"environment": f.env,
		"branch":      f.branch,
		"commit":      f.commit,
		"build_id":    f.buildID,
	} {
		if v != "" {
			req.Metadata[k] = v
		}
	}
	return req
}

func (a *app) execCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "exec", Short: "Plan and run test executions"}

	var runFlags execFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Select tests, run the framework, classify and persist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExec(cmd.Context(), &runFlags)
		},
	}
	runFlags.register(runCmd)

	var planFlags execFlags
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Build the execution plan without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlan(cmd.Context(), &planFlags)
		},
	}
	planFlags.register(planCmd)

	cmd.AddCommand(runCmd, planCmd)
	return cmd
}

func (a *app) runPlan(ctx context.Context, flags *execFlags) error {
	orch, err := a.buildOrchestrator(nil)
	if err != nil {
		return a.fail(err)
	}
	plan, ectx, err := orch.Plan(ctx, flags.request())
	if err != nil {
		return a.fail(err)
	}
	if a.jsonOut {
		return printJSON(plan)
	}
	fmt.Printf("plan: %d of %d tests selected (strategy %s, est. %.1f min)\n",
		len(plan.Selected), len(ectx.AvailableTests), plan.Strategy, plan.EstimatedDurationMinutes)
	for _, id := range plan.Selected {
		fmt.Printf("  p%d  %-60s %s\n", plan.Priorities[id], id, plan.Reasons[id])
	}
	return nil
}

func (a *app) runExec(ctx context.Context, flags *execFlags) error {
	st, err := a.openStore()
	if err != nil {
		return a.fail(err)
	}
	defer st.Close()

	orch, err := a.buildOrchestrator(st)
	if err != nil {
		return a.fail(err)
	}
	started := time.Now()
	out, err := orch.Execute(ctx, flags.request())
	if err != nil {
		return a.fail(err)
	}
	a.exit = orchestrator.ExitCode(out.Result, nil)

	if a.jsonOut {
		return printJSON(out)
	}
	printSummary(out, time.Since(started))
	return nil
}

// printSummary is the human-readable run report: counts, the worst
// failures with their classification, duration and suite reduction.
func printSummary(out *orchestrator.Outcome, elapsed time.Duration) {
	res := out.Result
	fmt.Printf("run %s: %s\n", res.RunID, res.Status)
	fmt.Printf("  passed %d, failed %d, skipped %d (%.1fs)\n",
		len(res.Passed), len(res.Failed), len(res.Skipped), elapsed.Seconds())

	if available, ok := availableCount(out); ok {
		fmt.Printf("  suite reduction: %.0f%% (%d of %d tests)\n",
			model.ReductionPercent(len(out.Plan.Selected), available),
			len(out.Plan.Selected), available)
	}

	if len(res.Failed) > 0 {
		byID := map[string]model.FailureClassification{}
		for _, c := range out.Classifications {
			byID[c.TestID] = c
		}
		failed := append([]string(nil), res.Failed...)
		sort.Strings(failed)
		if len(failed) > 5 {
			failed = failed[:5]
		}
		fmt.Println("  top failures:")
		for _, id := range failed {
			if c, ok := byID[id]; ok {
				fmt.Printf("    %s  [%s %.2f]\n", id, c.Category, c.Confidence)
			} else {
				fmt.Printf("    %s\n", id)
			}
		}
	}
	for _, w := range res.Warnings {
		fmt.Println("  warning:", w)
	}
}

// availableCount recovers the available-suite size the plan was built
// against, when the strategy recorded it.
func availableCount(out *orchestrator.Outcome) (int, bool) {
	if out.Plan == nil || out.Plan.Metadata == nil {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(out.Plan.Metadata["available_tests"], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
