// Package orchestrator coordinates one execution end to end: assemble the
// context, select tests, spawn the framework, classify failures and persist
// the tuple. It owns the run-id scheme and the per-run artifacts directory.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/adapter"
	"github.com/crossstack-ai/crossbridge/internal/classifier"
	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/model"
	"github.com/crossstack-ai/crossbridge/internal/store"
	"github.com/crossstack-ai/crossbridge/internal/strategy"
)

// Outcome is everything one execution produced.
type Outcome struct {
	Request         *model.ExecutionRequest       `json:"request"`
	Plan            *model.ExecutionPlan          `json:"plan"`
	Result          *model.ExecutionResult        `json:"result"`
	Classifications []model.FailureClassification `json:"classifications,omitempty"`
}

// Orchestrator wires the registries, the classifier and persistence behind
// the three entry points: Plan, Run and Execute.
type Orchestrator struct {
	cfg        *config.Config
	strategies *strategy.Registry
	adapters   *adapter.Registry
	classifier *classifier.Classifier
	store      store.Store
	logger     *zap.Logger
	now        func() time.Time

	// lastRunFailed feeds the orchestrator health component: set when the
	// previous Execute ended with a run-fatal error.
	lastRunFailed atomic.Bool
}

func New(cfg *config.Config, strategies *strategy.Registry, adapters *adapter.Registry, cls *classifier.Classifier, st store.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		strategies: strategies,
		adapters:   adapters,
		classifier: cls,
		store:      st,
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
	}
}

// Healthy reports whether the last run completed without a run-fatal error.
func (o *Orchestrator) Healthy() bool { return !o.lastRunFailed.Load() }

// Plan validates the request, assembles the context and runs the selected
// strategy. It never spawns the framework.
func (o *Orchestrator) Plan(ctx context.Context, req *model.ExecutionRequest) (*model.ExecutionPlan, *model.ExecutionContext, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, &config.Error{Message: err.Error()}
	}
	a, ok := o.adapters.Get(req.Framework)
	if !ok {
		return nil, nil, &config.Error{Message: fmt.Sprintf("unknown framework %q (known: %s)",
			req.Framework, strings.Join(o.adapters.Tags(), ", "))}
	}
	s, ok := o.strategies.Get(req.Strategy)
	if !ok {
		return nil, nil, &config.Error{Message: fmt.Sprintf("strategy %q is not registered", req.Strategy)}
	}

	ectx := o.assembleContext(ctx, req, a)
	plan, err := s.SelectTests(ectx)
	if err != nil {
		return nil, nil, &config.Error{Message: fmt.Sprintf("strategy %s: %v", req.Strategy, err)}
	}
	if err := plan.Validate(ectx.AvailableTests); err != nil {
		return nil, nil, &config.Error{Message: fmt.Sprintf("strategy %s produced an invalid plan: %v", req.Strategy, err)}
	}
	if plan.Metadata == nil {
		plan.Metadata = map[string]string{}
	}
	plan.Metadata["available_tests"] = fmt.Sprint(len(ectx.AvailableTests))
	return plan, ectx, nil
}

// Run dispatches a plan to the adapter. An empty plan passes vacuously; a
// dry run serializes the plan without spawning anything.
func (o *Orchestrator) Run(ctx context.Context, req *model.ExecutionRequest, plan *model.ExecutionPlan) (*model.ExecutionResult, error) {
	runID := o.newRunID()
	if plan.Empty() || req.DryRun {
		res := &model.ExecutionResult{
			RunID:   runID,
			Status:  model.RunPassed,
			Passed:  []string{},
			Failed:  []string{},
			Skipped: []string{},
			Tests:   map[string]model.TestOutcome{},
		}
		if plan.Empty() {
			res.Warnings = append(res.Warnings, "no tests selected")
		}
		return res, nil
	}

	a, ok := o.adapters.Get(req.Framework)
	if !ok {
		return nil, &config.Error{Message: fmt.Sprintf("unknown framework %q", req.Framework)}
	}

	runCtx := ctx
	if deadline := req.Deadline(o.now()); !deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	artifactsDir := filepath.Join(o.cfg.Execution.DataDir, "reports", runID)
	opts := adapter.Options{
		Parallel:     req.Parallel && a.ParallelCapable(),
		ArtifactsDir: artifactsDir,
	}
	if o.cfg.Sidecar.Mode == "observer" {
		opts.SidecarEndpoint = o.cfg.SidecarEndpoint()
	}

	res, err := adapter.Execute(runCtx, a, plan, o.cfg.Execution.Workspace, opts, o.logger)
	if err != nil {
		return nil, err
	}
	res.RunID = runID
	if err := o.writeResultEnvelope(artifactsDir, res); err != nil {
		o.logger.Warn("result envelope not written", zap.String("run_id", runID), zap.Error(err))
	}
	return res, nil
}

// Execute is run(plan(request)) plus classification of failed tests and
// persistence of the whole tuple. Persistence failure is a warning, never
// run-fatal (the spool has it).
func (o *Orchestrator) Execute(ctx context.Context, req *model.ExecutionRequest) (*Outcome, error) {
	plan, ectx, err := o.Plan(ctx, req)
	if err != nil {
		o.lastRunFailed.Store(true)
		return nil, err
	}
	res, err := o.Run(ctx, req, plan)
	if err != nil {
		o.lastRunFailed.Store(true)
		return nil, err
	}
	o.lastRunFailed.Store(false)

	out := &Outcome{Request: req, Plan: plan, Result: res}
	out.Classifications = o.classifyFailures(ctx, ectx, res)

	if o.store != nil {
		if err := o.store.SaveExecution(ctx, store.ExecutionRecord{
			Request:         req,
			Plan:            plan,
			Result:          res,
			Classifications: out.Classifications,
		}); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("persistence: %v", err))
		}
	}
	return out, nil
}

// classifyFailures runs the classifier over every failed test, in id order
// so output is stable.
func (o *Orchestrator) classifyFailures(ctx context.Context, ectx *model.ExecutionContext, res *model.ExecutionResult) []model.FailureClassification {
	if o.classifier == nil || len(res.Failed) == 0 {
		return nil
	}
	failed := append([]string(nil), res.Failed...)
	sort.Strings(failed)

	covered := coveredFilesByTest(ectx.Coverage)
	changed := make([]string, 0, len(ectx.ChangedFiles))
	for f := range ectx.ChangedFiles {
		changed = append(changed, f)
	}
	sort.Strings(changed)

	out := make([]model.FailureClassification, 0, len(failed))
	for _, id := range failed {
		outcome := res.Tests[id]
		hist := ectx.HistoryFor(id)
		out = append(out, o.classifier.Classify(ctx, classifier.Input{
			TestID:       id,
			Status:       model.TestFailed,
			RetryCount:   outcome.RetryCount,
			Signature:    outcome.ErrorSignature,
			History:      &hist,
			CoveredFiles: covered[id],
			ChangedFiles: changed,
		}))
	}
	return out
}

// coveredFilesByTest inverts the file -> tests coverage map.
func coveredFilesByTest(coverage map[string][]string) map[string][]string {
	out := map[string][]string{}
	for file, tests := range coverage {
		for _, id := range tests {
			out[id] = append(out[id], file)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// newRunID builds "run-<timestamp>-<shortid>". The ulid tail keeps ids
// unique when two runs start in the same second.
func (o *Orchestrator) newRunID() string {
	now := o.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	return fmt.Sprintf("run-%s-%s", now.Format("20060102T150405"), strings.ToLower(id[len(id)-8:]))
}

func (o *Orchestrator) writeResultEnvelope(artifactsDir string, res *model.ExecutionResult) error {
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(artifactsDir, "result.json"), data, 0o644)
}

// Exit codes per the CLI contract.
const (
	ExitOK           = 0
	ExitTestFailures = 1
	ExitExecution    = 2
	ExitConfig       = 3
)

// ExitCode maps an execution outcome to the process exit code.
func ExitCode(res *model.ExecutionResult, err error) int {
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return ExitConfig
		}
		return ExitExecution
	}
	if res == nil {
		return ExitExecution
	}
	switch res.Status {
	case model.RunTimeout, model.RunCancelled, model.RunError:
		return ExitExecution
	}
	if len(res.Failed) > 0 {
		return ExitTestFailures
	}
	return ExitOK
}
