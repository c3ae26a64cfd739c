package strategy

import "github.com/crossstack-ai/crossbridge/internal/model"

// Full selects every available test.
type Full struct{}

func (s *Full) Tag() string { return model.StrategyFull }

func (s *Full) SelectTests(ctx *model.ExecutionContext) (*model.ExecutionPlan, error) {
	if len(ctx.AvailableTests) == 0 {
		return emptyPlan(s.Tag(), ctx), nil
	}
	plan := newPlan(s.Tag(), ctx)
	for _, id := range candidates(ctx) {
		plan.Selected = append(plan.Selected, id)
		plan.Priorities[id] = 5
		plan.Reasons[id] = "full-suite"
	}
	return finishPlan(plan, ctx), nil
}
