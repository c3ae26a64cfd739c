// Package strategy implements test selection. Each strategy is registered
// under its tag at startup; given the same context, a strategy always
// produces the same plan bit-for-bit.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/embedding"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Strategy selects tests from an ExecutionContext.
type Strategy interface {
	Tag() string
	SelectTests(ctx *model.ExecutionContext) (*model.ExecutionPlan, error)
}

// Registry maps strategy tags to implementations. Registration happens
// explicitly at startup; lookups after that are read-only.
type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: map[string]Strategy{}}
}

func (r *Registry) Register(s Strategy) {
	r.strategies[s.Tag()] = s
}

func (r *Registry) Get(tag string) (Strategy, bool) {
	s, ok := r.strategies[tag]
	return s, ok
}

func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// NewDefaultRegistry wires the four built-in strategies.
func NewDefaultRegistry(cfg *config.Config, emb *embedding.Cache) *Registry {
	r := NewRegistry()
	smoke := &Smoke{Tags: cfg.Execution.SmokeTags}
	r.Register(smoke)
	r.Register(&Impacted{
		Embeddings: emb,
		Threshold:  cfg.Execution.SimilarityT,
		MinTests:   cfg.Execution.ImpactedMin,
		Fallback:   smoke,
	})
	r.Register(&Risk{MaxTests: cfg.Execution.RiskMaxTests})
	r.Register(&Full{})
	return r
}

// newPlan builds the plan skeleton every strategy shares.
func newPlan(tag string, ctx *model.ExecutionContext) *model.ExecutionPlan {
	return &model.ExecutionPlan{
		Selected:    []string{},
		Priorities:  map[string]int{},
		Reasons:     map[string]string{},
		Strategy:    tag,
		GeneratedAt: ctx.Now,
		Metadata:    map[string]string{},
	}
}

// emptyPlan is what every strategy returns when no tests are available.
func emptyPlan(tag string, ctx *model.ExecutionContext) *model.ExecutionPlan {
	p := newPlan(tag, ctx)
	p.Metadata["status"] = "empty"
	return p
}

// candidates applies the request-level filters (tag include/exclude,
// include_flaky) to the available tests. Order is preserved.
func candidates(ctx *model.ExecutionContext) []string {
	req := ctx.Request
	out := make([]string, 0, len(ctx.AvailableTests))
	for _, id := range ctx.AvailableTests {
		h := ctx.HistoryFor(id)
		if len(req.Tags) > 0 && !hasAnyTag(h, req.Tags) {
			continue
		}
		if hasAnyTag(h, req.ExcludeTags) {
			continue
		}
		if !req.IncludeFlaky && ctx.FlakyTests[id] {
			continue
		}
		out = append(out, id)
	}
	return out
}

func hasAnyTag(h model.TestHistory, tags []string) bool {
	for _, t := range tags {
		if h.HasTag(t) {
			return true
		}
	}
	return false
}

// finishPlan sorts the selection, applies the max_tests budget, and fills
// the duration estimate.
func finishPlan(p *model.ExecutionPlan, ctx *model.ExecutionContext) *model.ExecutionPlan {
	p.SortSelected()
	if budget := ctx.Request.MaxTests; budget > 0 && len(p.Selected) > budget {
		dropped := p.Selected[budget:]
		p.Selected = p.Selected[:budget]
		for _, id := range dropped {
			delete(p.Priorities, id)
			delete(p.Reasons, id)
		}
		p.Metadata["budget_truncated"] = fmt.Sprintf("%d", len(dropped))
	}
	p.EstimatedDurationMinutes = estimateMinutes(p.Selected, ctx)
	return p
}

// estimateMinutes sums the mean recent duration per selected test. Tests
// without history contribute a flat 30 s guess.
func estimateMinutes(selected []string, ctx *model.ExecutionContext) float64 {
	const defaultTestMS = 30_000
	var totalMS float64
	for _, id := range selected {
		h := ctx.HistoryFor(id)
		if len(h.RecentDurationsMS) == 0 {
			totalMS += defaultTestMS
			continue
		}
		var sum int64
		for _, d := range h.RecentDurationsMS {
			sum += d
		}
		totalMS += float64(sum) / float64(len(h.RecentDurationsMS))
	}
	return totalMS / float64(time.Minute.Milliseconds())
}
