package model

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestExecutionPlan_JSONRoundTrip(t *testing.T) {
	plan := &ExecutionPlan{
		Selected:                 []string{"pytest::tests/test_a.py::test_one", "pytest::tests/test_b.py::test_two"},
		Priorities:               map[string]int{"pytest::tests/test_a.py::test_one": 1, "pytest::tests/test_b.py::test_two": 2},
		Reasons:                  map[string]string{"pytest::tests/test_a.py::test_one": "tag:smoke", "pytest::tests/test_b.py::test_two": "covers:app/views.py"},
		EstimatedDurationMinutes: 3.5,
		Strategy:                 StrategyImpacted,
		GeneratedAt:              time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Metadata:                 map[string]string{"fallback_reason": ""},
	}
	b, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ExecutionPlan
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(plan, &back) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", &back, plan)
	}
}

func TestExecutionPlan_ValidateRejectsUnknownSelection(t *testing.T) {
	plan := &ExecutionPlan{
		Selected:   []string{"pytest::a::t1"},
		Priorities: map[string]int{"pytest::a::t1": 1},
		Reasons:    map[string]string{"pytest::a::t1": "tag:smoke"},
	}
	if err := plan.Validate([]string{"pytest::a::t1"}); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
	if err := plan.Validate([]string{"pytest::a::t2"}); err == nil {
		t.Fatalf("expected error for selection outside available set")
	}
}

func TestExecutionPlan_ValidateRequiresPriorityAndReason(t *testing.T) {
	plan := &ExecutionPlan{
		Selected:   []string{"robot::suite.robot::Login"},
		Priorities: map[string]int{},
		Reasons:    map[string]string{},
	}
	if err := plan.Validate([]string{"robot::suite.robot::Login"}); err == nil {
		t.Fatalf("expected missing priority to fail validation")
	}
	plan.Priorities["robot::suite.robot::Login"] = 7
	if err := plan.Validate([]string{"robot::suite.robot::Login"}); err == nil {
		t.Fatalf("expected out-of-range priority to fail validation")
	}
}

func TestExecutionPlan_SortSelectedIsStableByPriorityThenID(t *testing.T) {
	plan := &ExecutionPlan{
		Selected: []string{"c", "a", "b"},
		Priorities: map[string]int{
			"a": 2, "b": 1, "c": 1,
		},
		Reasons: map[string]string{"a": "r", "b": "r", "c": "r"},
	}
	plan.SortSelected()
	want := []string{"b", "c", "a"}
	if !reflect.DeepEqual(plan.Selected, want) {
		t.Fatalf("got %v want %v", plan.Selected, want)
	}
}

func TestExecutionResult_ValidateDisjointness(t *testing.T) {
	res := &ExecutionResult{
		Passed:  []string{"t1"},
		Failed:  []string{"t2"},
		Skipped: []string{"t3"},
	}
	if err := res.Validate([]string{"t1", "t2", "t3"}); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}
	res.Failed = append(res.Failed, "t1")
	if err := res.Validate([]string{"t1", "t2", "t3"}); err == nil {
		t.Fatalf("expected overlap between passed and failed to fail validation")
	}
}

func TestExecutionResult_ValidateContainment(t *testing.T) {
	res := &ExecutionResult{Passed: []string{"t9"}}
	if err := res.Validate([]string{"t1"}); err == nil {
		t.Fatalf("expected unselected test in result to fail validation")
	}
}

func TestExecutionRequest_Validate(t *testing.T) {
	req := &ExecutionRequest{Framework: "pytest", Strategy: StrategySmoke}
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	req.Strategy = "random"
	if err := req.Validate(); err == nil {
		t.Fatalf("expected invalid strategy to be rejected")
	}
	req = &ExecutionRequest{Strategy: StrategyFull}
	if err := req.Validate(); err == nil {
		t.Fatalf("expected missing framework to be rejected")
	}
}

func TestExecutionRequest_Deadline(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	req := &ExecutionRequest{Framework: "pytest", Strategy: StrategyFull}
	if d := req.Deadline(now); !d.IsZero() {
		t.Fatalf("unset budget should mean no deadline, got %v", d)
	}
	req.MaxDurationMinutes = 30
	if d := req.Deadline(now); d != now.Add(30*time.Minute) {
		t.Fatalf("got %v want %v", d, now.Add(30*time.Minute))
	}
	req.MaxDurationMinutes = 0
	req.Metadata = map[string]string{"max_duration_explicit": "0"}
	if d := req.Deadline(now); d != now {
		t.Fatalf("explicit zero budget should deadline immediately, got %v", d)
	}
}

func TestTestHistory_FailureRate(t *testing.T) {
	h := TestHistory{Runs: 10, Passes: 9}
	if got := h.FailureRate(); got != 0.1 {
		t.Fatalf("got %v want 0.1", got)
	}
	if got := (TestHistory{}).FailureRate(); got != 0 {
		t.Fatalf("zero-run history should have rate 0, got %v", got)
	}
}

func TestObservedEvent_Validate(t *testing.T) {
	ev := &ObservedEvent{EventType: EventTestEnd, Framework: "pytest"}
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	ev.EventType = "test_exploded"
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected unknown event type to be rejected")
	}
}

func TestReductionPercent(t *testing.T) {
	if got := ReductionPercent(20, 100); got != 80 {
		t.Fatalf("got %v want 80", got)
	}
	if got := ReductionPercent(0, 0); got != 0 {
		t.Fatalf("got %v want 0", got)
	}
}
