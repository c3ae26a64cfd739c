package model

import (
	"fmt"
	"sort"
	"time"
)

// ExecutionPlan is the immutable output of a selection strategy. Every
// selected id has both a priority (1 highest .. 5 lowest) and a
// human-readable reason.
type ExecutionPlan struct {
	Selected                 []string          `json:"selected"`
	Priorities               map[string]int    `json:"priorities"`
	Reasons                  map[string]string `json:"reasons"`
	Shards                   [][]string        `json:"shards,omitempty"`
	EstimatedDurationMinutes float64           `json:"estimated_duration_minutes"`
	Strategy                 string            `json:"strategy"`
	GeneratedAt              time.Time         `json:"generated_at"`
	Metadata                 map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the plan invariants: selected ⊆ available and every
// selected id carries a priority and a reason.
func (p *ExecutionPlan) Validate(available []string) error {
	avail := make(map[string]bool, len(available))
	for _, id := range available {
		avail[id] = true
	}
	for _, id := range p.Selected {
		if !avail[id] {
			return fmt.Errorf("plan selects %q which is not in available tests", id)
		}
		pr, ok := p.Priorities[id]
		if !ok {
			return fmt.Errorf("plan is missing a priority for %q", id)
		}
		if pr < 1 || pr > 5 {
			return fmt.Errorf("priority for %q is %d (want 1..5)", id, pr)
		}
		if p.Reasons[id] == "" {
			return fmt.Errorf("plan is missing a reason for %q", id)
		}
	}
	return nil
}

// SortSelected orders the selection by priority then lexicographically by
// test id. Strategies call this last so plans are deterministic bit-for-bit.
func (p *ExecutionPlan) SortSelected() {
	sort.SliceStable(p.Selected, func(i, j int) bool {
		a, b := p.Selected[i], p.Selected[j]
		if p.Priorities[a] != p.Priorities[b] {
			return p.Priorities[a] < p.Priorities[b]
		}
		return a < b
	})
}

// Empty reports whether the plan selects nothing.
func (p *ExecutionPlan) Empty() bool { return len(p.Selected) == 0 }
