package model

import "fmt"

// Run statuses for an ExecutionResult.
const (
	RunPassed    = "passed"
	RunFailed    = "failed"
	RunError     = "error"
	RunTimeout   = "timeout"
	RunCancelled = "cancelled"
)

// Per-test statuses inside a result and in test_end events.
const (
	TestPassed  = "passed"
	TestFailed  = "failed"
	TestSkipped = "skipped"
	TestError   = "error"
)

// TestOutcome is the per-test record inside an ExecutionResult.
type TestOutcome struct {
	Status         string `json:"status"`
	DurationMS     int64  `json:"duration_ms"`
	ErrorSignature string `json:"error_signature,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
}

// ExecutionResult captures the outcome of one run. The passed/failed/skipped
// sets are pairwise disjoint and their union is a subset of the plan's
// selection.
type ExecutionResult struct {
	RunID               string                 `json:"run_id"`
	Status              string                 `json:"status"`
	Passed              []string               `json:"passed"`
	Failed              []string               `json:"failed"`
	Skipped             []string               `json:"skipped"`
	Tests               map[string]TestOutcome `json:"tests"`
	WallClockDurationMS int64                  `json:"wall_clock_duration_ms"`
	ExitCode            int                    `json:"exit_code"`
	ReportPaths         []string               `json:"report_paths,omitempty"`
	Host                map[string]string      `json:"host,omitempty"`
	Warnings            []string               `json:"warnings,omitempty"`
}

// Validate enforces the disjointness invariant and selection containment.
func (r *ExecutionResult) Validate(selected []string) error {
	sel := make(map[string]bool, len(selected))
	for _, id := range selected {
		sel[id] = true
	}
	seen := map[string]string{}
	for _, group := range []struct {
		name string
		ids  []string
	}{
		{"passed", r.Passed},
		{"failed", r.Failed},
		{"skipped", r.Skipped},
	} {
		for _, id := range group.ids {
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("test %q appears in both %s and %s", id, prev, group.name)
			}
			seen[id] = group.name
			if len(sel) > 0 && !sel[id] {
				return fmt.Errorf("test %q reported in %s but not selected", id, group.name)
			}
		}
	}
	return nil
}

// ReductionPercent returns how much of the full suite the plan skipped.
func ReductionPercent(selected, available int) float64 {
	if available <= 0 {
		return 0
	}
	return 100 * float64(available-selected) / float64(available)
}
