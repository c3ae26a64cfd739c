package classifier

import (
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// History-layer thresholds. A test needs minRuns observations before its
// failure rate means anything; below that it is NEW.
const (
	minRuns        = 5
	stableFailRate = 0.05
	flakyFailRate  = 0.40
)

// HistoryInput is everything the history layer looks at for one test.
type HistoryInput struct {
	TestID       string
	Status       string // model.TestPassed / TestFailed
	RetryCount   int
	History      *model.TestHistory // nil when the store has nothing
	CoveredFiles []string
	ChangedFiles []string
}

// ClassifyHistory applies the history rule families: FLAKY, REGRESSION,
// NEW, STABLE. It returns nil when no history rule fires and the signature
// stage should decide.
func ClassifyHistory(in HistoryInput) *model.FailureClassification {
	// A retried test that eventually passed is flaky regardless of history.
	if in.Status == model.TestPassed && in.RetryCount >= 1 {
		return &model.FailureClassification{
			TestID:     in.TestID,
			Category:   model.CategoryFlaky,
			Confidence: 0.90,
			Evidence:   []model.Evidence{{PatternID: "history-retry-pass", Matched: "retry_count>=1"}},
		}
	}

	runs := 0
	rate := 0.0
	if in.History != nil {
		runs = in.History.Runs
		rate = in.History.FailureRate()
	}

	if in.Status == model.TestFailed && runs >= minRuns && rate <= stableFailRate && coversChangedFile(in) {
		return &model.FailureClassification{
			TestID:     in.TestID,
			Category:   model.CategoryRegression,
			Confidence: 0.85,
			Evidence:   []model.Evidence{{PatternID: "history-regression", Matched: "stable-then-failed-on-change"}},
		}
	}
	if runs >= minRuns && rate > stableFailRate && rate < flakyFailRate {
		return &model.FailureClassification{
			TestID:     in.TestID,
			Category:   model.CategoryFlaky,
			Confidence: 0.80,
			Evidence:   []model.Evidence{{PatternID: "history-flaky-rate", Matched: "failure-rate-midband"}},
		}
	}
	if in.Status == model.TestPassed {
		if runs < minRuns {
			return &model.FailureClassification{
				TestID: in.TestID, Category: model.CategoryNew, Confidence: 0.95,
			}
		}
		if rate <= stableFailRate {
			return &model.FailureClassification{
				TestID: in.TestID, Category: model.CategoryStable, Confidence: 0.95,
			}
		}
	}
	return nil
}

func coversChangedFile(in HistoryInput) bool {
	if len(in.CoveredFiles) == 0 || len(in.ChangedFiles) == 0 {
		return false
	}
	changed := make(map[string]bool, len(in.ChangedFiles))
	for _, f := range in.ChangedFiles {
		changed[f] = true
	}
	for _, f := range in.CoveredFiles {
		if changed[f] {
			return true
		}
	}
	return false
}
