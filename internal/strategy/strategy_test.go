package strategy

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/crossstack-ai/crossbridge/internal/embedding"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

func testContext(available []string, history map[string]model.TestHistory) *model.ExecutionContext {
	return &model.ExecutionContext{
		Request:        &model.ExecutionRequest{Framework: "pytest", Strategy: model.StrategySmoke, IncludeFlaky: true},
		ChangedFiles:   map[string]bool{},
		History:        history,
		Coverage:       map[string][]string{},
		FlakyTests:     map[string]bool{},
		AvailableTests: available,
		Now:            time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSmoke_SelectsByConfiguredTagsFirstMatchWins(t *testing.T) {
	ctx := testContext(
		[]string{"t1", "t2", "t3", "t4"},
		map[string]model.TestHistory{
			"t1": {TestID: "t1", Tags: []string{"smoke"}},
			"t2": {TestID: "t2", Tags: []string{"smoke", "p0"}},
			"t3": {TestID: "t3", Tags: []string{"regression"}},
			"t4": {TestID: "t4"},
		},
	)
	s := &Smoke{Tags: []string{"smoke", "p0"}}
	plan, err := s.SelectTests(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !reflect.DeepEqual(plan.Selected, []string{"t1", "t2"}) {
		t.Fatalf("selected: got %v want [t1 t2]", plan.Selected)
	}
	if plan.Priorities["t1"] != 1 || plan.Priorities["t2"] != 1 {
		t.Fatalf("priorities: %v", plan.Priorities)
	}
	if plan.Reasons["t1"] != "tag:smoke" || plan.Reasons["t2"] != "tag:smoke" {
		t.Fatalf("reasons (first configured tag must win): %v", plan.Reasons)
	}
}

func TestSmoke_FallbackNeverEmptyWhenAvailableNonEmpty(t *testing.T) {
	ctx := testContext(
		[]string{"a", "b", "c"},
		map[string]model.TestHistory{
			"b": {TestID: "b", Tags: []string{"critical"}, Runs: 10, Passes: 5},
		},
	)
	s := &Smoke{Tags: []string{"smoke"}}
	plan, err := s.SelectTests(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if plan.Empty() {
		t.Fatalf("smoke fallback must not be empty")
	}
	// Critical-tagged test ranks first in the fallback.
	if plan.Selected[0] != "b" {
		t.Fatalf("selected: %v, want b first", plan.Selected)
	}
	if plan.Metadata["smoke_fallback"] != "no-tag-match" {
		t.Fatalf("metadata: %v", plan.Metadata)
	}
}

func TestSmoke_EmptyAvailableYieldsEmptyPlan(t *testing.T) {
	ctx := testContext(nil, nil)
	for _, s := range []Strategy{&Smoke{Tags: []string{"smoke"}}, &Full{}, &Risk{}, &Impacted{Fallback: &Smoke{}}} {
		plan, err := s.SelectTests(ctx)
		if err != nil {
			t.Fatalf("%s: %v", s.Tag(), err)
		}
		if !plan.Empty() || plan.Metadata["status"] != "empty" {
			t.Fatalf("%s: expected empty plan with status=empty, got %+v", s.Tag(), plan)
		}
	}
}

func TestImpacted_FallsBackToSmokeBelowMinTests(t *testing.T) {
	ctx := testContext(
		[]string{"t1", "t2", "t3"},
		map[string]model.TestHistory{
			"t1": {TestID: "t1", Tags: []string{"smoke"}},
		},
	)
	// Empty changeset and empty coverage: union is below min.
	s := &Impacted{Threshold: 0.7, MinTests: 5, Fallback: &Smoke{Tags: []string{"smoke"}}}
	plan, err := s.SelectTests(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if plan.Metadata["fallback_reason"] != "impacted<min" {
		t.Fatalf("expected fallback_reason=impacted<min, got %v", plan.Metadata)
	}
	if plan.Strategy != model.StrategyImpacted {
		t.Fatalf("fallback plan keeps the requesting strategy tag, got %q", plan.Strategy)
	}
	if plan.Empty() {
		t.Fatalf("fallback plan should carry the smoke selection")
	}
}

func TestImpacted_UnionOfSourcesWithPriorities(t *testing.T) {
	ctx := testContext(
		[]string{"cov1", "cov2", "sem1", "crit1", "other1", "other2"},
		map[string]model.TestHistory{
			"crit1": {TestID: "crit1", Tags: []string{"critical"}},
		},
	)
	ctx.ChangedFiles = map[string]bool{"app/pay.py": true}
	ctx.Coverage = map[string][]string{"app/pay.py": {"cov1", "cov2"}}
	emb := &embedding.Cache{
		Files: map[string][]float32{"app/pay.py": {1, 0}},
		Tests: map[string][]float32{"sem1": {0.9, 0.1}, "other1": {0, 1}},
	}
	s := &Impacted{Embeddings: emb, Threshold: 0.7, MinTests: 2, Fallback: &Smoke{Tags: []string{"smoke"}}}
	plan, err := s.SelectTests(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if plan.Priorities["crit1"] != 1 || plan.Reasons["crit1"] != "critical-safety-net" {
		t.Fatalf("safety net: %v %v", plan.Priorities, plan.Reasons)
	}
	if plan.Priorities["cov1"] != 2 || plan.Reasons["cov1"] != "covers:app/pay.py" {
		t.Fatalf("coverage hit: %v %v", plan.Priorities, plan.Reasons)
	}
	if plan.Priorities["sem1"] != 3 || !strings.HasPrefix(plan.Reasons["sem1"], "semantic:app/pay.py:") {
		t.Fatalf("semantic hit: %v %v", plan.Priorities, plan.Reasons)
	}
	if _, ok := plan.Priorities["other1"]; ok {
		t.Fatalf("other1 below threshold must not be selected")
	}
	// Priority ordering: safety net first.
	if plan.Selected[0] != "crit1" {
		t.Fatalf("selection order: %v", plan.Selected)
	}
}

func TestRisk_ScoringAndPriorities(t *testing.T) {
	ctx := testContext(
		[]string{"hot", "cold", "flaky"},
		map[string]model.TestHistory{
			"hot":   {TestID: "hot", Runs: 10, Passes: 2, Tags: []string{"critical"}},
			"cold":  {TestID: "cold", Runs: 10, Passes: 10},
			"flaky": {TestID: "flaky", Runs: 10, Passes: 8},
		},
	)
	ctx.ChangedFiles = map[string]bool{"pay.py": true}
	ctx.Coverage = map[string][]string{"pay.py": {"hot"}}
	ctx.FlakyTests = map[string]bool{"flaky": true}

	s := &Risk{MaxTests: 2}
	plan, err := s.SelectTests(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(plan.Selected) != 2 {
		t.Fatalf("max_tests cap: got %v", plan.Selected)
	}
	// hot: 0.4*0.8 + 0.2*1.0 + 0.3*1.0 = 1.02 -> clipped 1.0 -> priority 1.
	if plan.Selected[0] != "hot" || plan.Priorities["hot"] != 1 {
		t.Fatalf("hot should rank first with priority 1: %v %v", plan.Selected, plan.Priorities)
	}
	if !strings.HasPrefix(plan.Reasons["hot"], "risk:1.00") {
		t.Fatalf("reason: %q", plan.Reasons["hot"])
	}
}

func TestStrategies_Deterministic(t *testing.T) {
	mk := func() *model.ExecutionContext {
		ctx := testContext(
			[]string{"b", "a", "c", "d"},
			map[string]model.TestHistory{
				"a": {TestID: "a", Tags: []string{"smoke"}, Runs: 5, Passes: 4},
				"b": {TestID: "b", Tags: []string{"smoke"}},
				"c": {TestID: "c", Tags: []string{"critical"}},
			},
		)
		ctx.ChangedFiles = map[string]bool{"x.py": true, "y.py": true}
		ctx.Coverage = map[string][]string{"x.py": {"d", "a"}, "y.py": {"b"}}
		return ctx
	}
	for _, s := range []Strategy{
		&Smoke{Tags: []string{"smoke", "p0"}},
		&Impacted{Threshold: 0.7, MinTests: 1, Fallback: &Smoke{Tags: []string{"smoke"}}},
		&Risk{MaxTests: 100},
		&Full{},
	} {
		p1, err := s.SelectTests(mk())
		if err != nil {
			t.Fatalf("%s: %v", s.Tag(), err)
		}
		p2, err := s.SelectTests(mk())
		if err != nil {
			t.Fatalf("%s: %v", s.Tag(), err)
		}
		if !reflect.DeepEqual(p1, p2) {
			t.Fatalf("%s not deterministic:\n%+v\n%+v", s.Tag(), p1, p2)
		}
	}
}

func TestCandidates_RequestFilters(t *testing.T) {
	ctx := testContext(
		[]string{"t1", "t2", "t3"},
		map[string]model.TestHistory{
			"t1": {TestID: "t1", Tags: []string{"ui"}},
			"t2": {TestID: "t2", Tags: []string{"api"}},
			"t3": {TestID: "t3", Tags: []string{"ui", "slow"}},
		},
	)
	ctx.Request.Tags = []string{"ui"}
	ctx.Request.ExcludeTags = []string{"slow"}
	ctx.Request.IncludeFlaky = false
	ctx.FlakyTests = map[string]bool{}

	if got := candidates(ctx); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("got %v want [t1]", got)
	}
}

func TestFinishPlan_BudgetTruncation(t *testing.T) {
	ctx := testContext([]string{"a", "b", "c"}, nil)
	ctx.Request.MaxTests = 2
	plan := newPlan(model.StrategyFull, ctx)
	for _, id := range []string{"a", "b", "c"} {
		plan.Selected = append(plan.Selected, id)
		plan.Priorities[id] = 5
		plan.Reasons[id] = "full-suite"
	}
	finishPlan(plan, ctx)
	if len(plan.Selected) != 2 || plan.Metadata["budget_truncated"] != "1" {
		t.Fatalf("truncation: %v %v", plan.Selected, plan.Metadata)
	}
	if _, ok := plan.Priorities["c"]; ok {
		t.Fatalf("dropped test must lose its priority entry")
	}
}
