package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Risk scores every available test and selects the top MaxTests. The score
// blends historical failure rate, churn of covered files, declared
// criticality and a flakiness penalty, clipped to [0,1].
type Risk struct {
	MaxTests int
}

func (s *Risk) Tag() string { return model.StrategyRisk }

type riskScore struct {
	id          string
	total       float64
	failureRate float64
	churn       float64
	criticality float64
	flaky       bool
}

func (s *Risk) SelectTests(ctx *model.ExecutionContext) (*model.ExecutionPlan, error) {
	if len(ctx.AvailableTests) == 0 {
		return emptyPlan(s.Tag(), ctx), nil
	}
	plan := newPlan(s.Tag(), ctx)

	coveredBy := invertCoverage(ctx.Coverage)
	scores := make([]riskScore, 0, len(ctx.AvailableTests))
	for _, id := range candidates(ctx) {
		scores = append(scores, scoreTest(id, ctx, coveredBy[id]))
	}

	// Highest score first, id ascending on ties.
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].total != scores[j].total {
			return scores[i].total > scores[j].total
		}
		return scores[i].id < scores[j].id
	})

	max := s.MaxTests
	if max <= 0 {
		max = 100
	}
	if max > len(scores) {
		max = len(scores)
	}
	for _, sc := range scores[:max] {
		plan.Selected = append(plan.Selected, sc.id)
		plan.Priorities[sc.id] = priorityForScore(sc.total)
		flakyBit := 0
		if sc.flaky {
			flakyBit = 1
		}
		plan.Reasons[sc.id] = fmt.Sprintf("risk:%.2f (fail=%.2f churn=%.2f crit=%.2f flaky=%d)",
			sc.total, sc.failureRate, sc.churn, sc.criticality, flakyBit)
	}
	return finishPlan(plan, ctx), nil
}

func scoreTest(id string, ctx *model.ExecutionContext, covered []string) riskScore {
	h := ctx.HistoryFor(id)
	sc := riskScore{
		id:          id,
		failureRate: h.FailureRate(),
		churn:       churnFraction(covered, ctx.ChangedFiles),
		flaky:       ctx.FlakyTests[id],
	}
	switch {
	case h.HasTag("critical"):
		sc.criticality = 1
	case h.HasTag("high"):
		sc.criticality = 0.5
	default:
		sc.criticality = 0.25
	}
	total := 0.4*sc.failureRate + 0.2*sc.churn + 0.3*sc.criticality
	if sc.flaky {
		total -= 0.1
	}
	sc.total = math.Min(1, math.Max(0, total))
	return sc
}

// churnFraction approximates churn as the fraction of the test's covered
// files touched by the current changeset. Tests without coverage data
// score 0.
func churnFraction(covered []string, changed map[string]bool) float64 {
	if len(covered) == 0 {
		return 0
	}
	hits := 0
	for _, f := range covered {
		if changed[f] {
			hits++
		}
	}
	return float64(hits) / float64(len(covered))
}

// priorityForScore maps a [0,1] score to priorities 1..5, highest score
// to priority 1.
func priorityForScore(score float64) int {
	p := 5 - int(math.Floor(score*4))
	if p < 1 {
		p = 1
	}
	if p > 5 {
		p = 5
	}
	return p
}

// invertCoverage builds test -> covered files from file -> tests.
func invertCoverage(cov map[string][]string) map[string][]string {
	out := map[string][]string{}
	files := make([]string, 0, len(cov))
	for f := range cov {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		for _, t := range cov[f] {
			out[t] = append(out[t], f)
		}
	}
	return out
}
