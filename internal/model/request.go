// Package model holds the value types that flow between the orchestrator,
// strategies, adapters, classifier and persistence. Everything here is plain
// data: entities are emitted once, serialized as JSON, and never mutated
// after construction.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Strategy tags accepted in an ExecutionRequest.
const (
	StrategySmoke    = "smoke"
	StrategyImpacted = "impacted"
	StrategyRisk     = "risk"
	StrategyFull     = "full"
)

// ExecutionRequest is the immutable input of a single orchestration.
type ExecutionRequest struct {
	Framework          string            `json:"framework"`
	Strategy           string            `json:"strategy"`
	Environment        string            `json:"environment,omitempty"`
	CIMode             bool              `json:"ci_mode,omitempty"`
	DryRun             bool              `json:"dry_run,omitempty"`
	MaxTests           int               `json:"max_tests,omitempty"`
	MaxDurationMinutes int               `json:"max_duration_minutes,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	ExcludeTags        []string          `json:"exclude_tags,omitempty"`
	IncludeFlaky       bool              `json:"include_flaky,omitempty"`
	Parallel           bool              `json:"parallel,omitempty"`
	BaseBranch         string            `json:"base_branch,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields a request must carry before planning.
func (r *ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.Framework) == "" {
		return fmt.Errorf("framework is required")
	}
	switch r.Strategy {
	case StrategySmoke, StrategyImpacted, StrategyRisk, StrategyFull:
	default:
		return fmt.Errorf("invalid strategy %q (want smoke|impacted|risk|full)", r.Strategy)
	}
	if r.MaxTests < 0 {
		return fmt.Errorf("max_tests must be >= 0")
	}
	if r.MaxDurationMinutes < 0 {
		return fmt.Errorf("max_duration_minutes must be >= 0")
	}
	return nil
}

// Deadline derives the request deadline from max_duration_minutes.
// The zero time means no deadline.
func (r *ExecutionRequest) Deadline(now time.Time) time.Time {
	if r.MaxDurationMinutes <= 0 && !r.hasExplicitZeroBudget() {
		return time.Time{}
	}
	return now.Add(time.Duration(r.MaxDurationMinutes) * time.Minute)
}

// hasExplicitZeroBudget distinguishes "unset" from "zero minutes". The CLI
// records an explicit zero in metadata so a zero budget cancels immediately.
func (r *ExecutionRequest) hasExplicitZeroBudget() bool {
	return r.Metadata["max_duration_explicit"] == "0"
}

// TestHistory is the per-test slice of execution history the context carries.
type TestHistory struct {
	TestID            string         `json:"test_id"`
	Runs              int            `json:"runs"`
	Passes            int            `json:"passes"`
	RecentDurationsMS []int64        `json:"recent_durations_ms,omitempty"`
	LastOutcome       string         `json:"last_outcome,omitempty"`
	Signatures        map[string]int `json:"signatures,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
}

// FailureRate returns failures/runs, or 0 when the test has never run.
func (h TestHistory) FailureRate() float64 {
	if h.Runs <= 0 {
		return 0
	}
	return float64(h.Runs-h.Passes) / float64(h.Runs)
}

// HasTag reports whether the history slice carries the given tag.
func (h TestHistory) HasTag(tag string) bool {
	for _, t := range h.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ExecutionContext is the derived per-request view the strategies consume.
// It references the request and is discarded after the run.
type ExecutionContext struct {
	Request        *ExecutionRequest
	ChangedFiles   map[string]bool
	History        map[string]TestHistory
	Coverage       map[string][]string // file path -> test ids
	FlakyTests     map[string]bool
	AvailableTests []string
	Now            time.Time
}

// HistoryFor returns the stored slice for a test, or zero-valued defaults.
func (c *ExecutionContext) HistoryFor(testID string) TestHistory {
	if h, ok := c.History[testID]; ok {
		return h
	}
	return TestHistory{TestID: testID}
}
