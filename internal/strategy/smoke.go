package strategy

import (
	"sort"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Smoke selects tests carrying any configured smoke tag. When nothing
// matches it falls back to the most critical tests from history so a smoke
// run is never empty unless the suite itself is.
type Smoke struct {
	Tags []string // matched in order; the first hit names the reason
}

// fallbackCount caps how many history-ranked tests the no-match fallback
// returns.
const fallbackCount = 10

func (s *Smoke) Tag() string { return model.StrategySmoke }

func (s *Smoke) SelectTests(ctx *model.ExecutionContext) (*model.ExecutionPlan, error) {
	if len(ctx.AvailableTests) == 0 {
		return emptyPlan(s.Tag(), ctx), nil
	}
	plan := newPlan(s.Tag(), ctx)
	for _, id := range candidates(ctx) {
		h := ctx.HistoryFor(id)
		for _, tag := range s.Tags {
			if h.HasTag(tag) {
				plan.Selected = append(plan.Selected, id)
				plan.Priorities[id] = 1
				plan.Reasons[id] = "tag:" + tag
				break
			}
		}
	}
	if len(plan.Selected) == 0 {
		s.fallbackFromHistory(plan, ctx)
	}
	return finishPlan(plan, ctx), nil
}

// fallbackFromHistory picks the highest-criticality tests recorded in
// history: critical-tagged first, then by failure rate, then by id.
func (s *Smoke) fallbackFromHistory(plan *model.ExecutionPlan, ctx *model.ExecutionContext) {
	ids := candidates(ctx)
	sort.SliceStable(ids, func(i, j int) bool {
		hi, hj := ctx.HistoryFor(ids[i]), ctx.HistoryFor(ids[j])
		ci, cj := hi.HasTag("critical"), hj.HasTag("critical")
		if ci != cj {
			return ci
		}
		if ri, rj := hi.FailureRate(), hj.FailureRate(); ri != rj {
			return ri > rj
		}
		return ids[i] < ids[j]
	})
	n := fallbackCount
	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		plan.Selected = append(plan.Selected, id)
		plan.Priorities[id] = 2
		plan.Reasons[id] = "fallback:critical-history"
	}
	plan.Metadata["smoke_fallback"] = "no-tag-match"
}
