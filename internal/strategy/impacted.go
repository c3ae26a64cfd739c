package strategy

import (
	"fmt"
	"sort"

	"github.com/crossstack-ai/crossbridge/internal/embedding"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Impacted selects the union of coverage hits on the changeset, semantic
// neighbors of changed files, and the critical safety net. Falls back to
// Smoke when the union is too small to be a trustworthy selection.
type Impacted struct {
	Embeddings *embedding.Cache
	Threshold  float64
	MinTests   int
	Fallback   *Smoke
}

func (s *Impacted) Tag() string { return model.StrategyImpacted }

func (s *Impacted) SelectTests(ctx *model.ExecutionContext) (*model.ExecutionPlan, error) {
	if len(ctx.AvailableTests) == 0 {
		return emptyPlan(s.Tag(), ctx), nil
	}
	plan := newPlan(s.Tag(), ctx)
	eligible := map[string]bool{}
	for _, id := range candidates(ctx) {
		eligible[id] = true
	}

	// pick keeps the strongest source per test: lower priority wins.
	pick := func(id string, priority int, reason string) {
		if !eligible[id] {
			return
		}
		if prev, ok := plan.Priorities[id]; ok && prev <= priority {
			return
		}
		if _, ok := plan.Priorities[id]; !ok {
			plan.Selected = append(plan.Selected, id)
		}
		plan.Priorities[id] = priority
		plan.Reasons[id] = reason
	}

	changed := sortedKeys(ctx.ChangedFiles)

	// Coverage hits: the changed file names the reason, first file wins.
	for _, file := range changed {
		for _, testID := range ctx.Coverage[file] {
			pick(testID, 2, "covers:"+file)
		}
	}

	// Semantic neighbors within the similarity threshold.
	if s.Embeddings != nil && len(changed) > 0 {
		for _, n := range s.Embeddings.TestsNearFiles(changed, s.Threshold) {
			pick(n.TestID, 3, fmt.Sprintf("semantic:%s:%.2f", n.File, n.Score))
		}
	}

	// Always-in safety net: critical-tagged tests run regardless of diff.
	for _, id := range ctx.AvailableTests {
		if ctx.HistoryFor(id).HasTag("critical") {
			pick(id, 1, "critical-safety-net")
		}
	}

	minTests := s.MinTests
	if minTests <= 0 {
		minTests = 5
	}
	if len(plan.Selected) < minTests {
		fallback, err := s.Fallback.SelectTests(ctx)
		if err != nil {
			return nil, err
		}
		fallback.Strategy = s.Tag()
		fallback.Metadata["fallback_reason"] = "impacted<min"
		return fallback, nil
	}
	return finishPlan(plan, ctx), nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
