// Package classifier turns failed-test error signatures into taxonomy
// categories: a deterministic rule engine first, a history layer for
// flakiness and regressions, then an optional bounded AI annotation pass.
package classifier

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Rule is one signature-matching classification rule. A rule matches when
// every entry of Requires is present in the signature and no entry of
// Excludes is. Matching is case-insensitive.
type Rule struct {
	ID         string   `yaml:"id"`
	Category   string   `yaml:"category"`
	Priority   int      `yaml:"priority"`
	Requires   []string `yaml:"requires"`
	Excludes   []string `yaml:"excludes,omitempty"`
	Confidence float64  `yaml:"confidence"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

var signatureCategories = map[string]bool{
	model.CategoryProductDefect:      true,
	model.CategoryAutomationDefect:   true,
	model.CategoryEnvironmentIssue:   true,
	model.CategoryConfigurationIssue: true,
}

// Validate rejects rules that could never match or would emit a category
// the taxonomy does not know.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule has no id")
	}
	if !signatureCategories[r.Category] {
		return fmt.Errorf("rule %s: category %q is not a signature category", r.ID, r.Category)
	}
	if len(r.Requires) == 0 {
		return fmt.Errorf("rule %s: requires is empty", r.ID)
	}
	for _, s := range r.Requires {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("rule %s: empty required substring", r.ID)
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %v out of [0,1]", r.ID, r.Confidence)
	}
	return nil
}

// LoadRules reads a YAML rule file. Unknown fields are a hard error so a
// typo cannot silently disable a rule.
func LoadRules(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var file ruleFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	if err := ValidateRules(file.Rules); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return file.Rules, nil
}

// ValidateRules checks every rule and rejects duplicate ids.
func ValidateRules(rules []Rule) error {
	seen := map[string]bool{}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// sortRules orders by priority ascending, id as the tie-break, so the
// first-match-wins scan is deterministic.
func sortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DefaultRules is the built-in rule set covering the signature families of
// the taxonomy. User rule files extend or replace it.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "automation-no-such-element", Category: model.CategoryAutomationDefect,
			Priority: 10, Requires: []string{"NoSuchElementException"}, Confidence: 0.95,
		},
		{
			ID: "automation-stale-element", Category: model.CategoryAutomationDefect,
			Priority: 10, Requires: []string{"StaleElementReferenceException"}, Confidence: 0.95,
		},
		{
			ID: "automation-locator", Category: model.CategoryAutomationDefect,
			Priority: 11, Requires: []string{"locator not found"}, Confidence: 0.88,
		},
		{
			ID: "automation-wait-timeout", Category: model.CategoryAutomationDefect,
			Priority: 12, Requires: []string{"TimeoutException"}, Confidence: 0.85,
		},
		{
			ID: "automation-fixture", Category: model.CategoryAutomationDefect,
			Priority: 18, Requires: []string{"fixture"}, Confidence: 0.80,
		},
		{
			ID: "automation-setup", Category: model.CategoryAutomationDefect,
			Priority: 18, Requires: []string{"setup"}, Confidence: 0.80,
		},
		{
			ID: "product-assertion", Category: model.CategoryProductDefect,
			Priority: 20, Requires: []string{"AssertionError"},
			Excludes: []string{"fixture", "setup"}, Confidence: 0.90,
		},
		{
			ID: "product-server-error", Category: model.CategoryProductDefect,
			Priority: 21, Requires: []string{"Internal Server Error"},
			Excludes: []string{"fixture", "setup"}, Confidence: 0.85,
		},
		{
			ID: "environment-connection", Category: model.CategoryEnvironmentIssue,
			Priority: 15, Requires: []string{"ConnectionError"}, Confidence: 0.90,
		},
		{
			ID: "environment-refused", Category: model.CategoryEnvironmentIssue,
			Priority: 15, Requires: []string{"connection refused"}, Confidence: 0.90,
		},
		{
			ID: "environment-dns", Category: model.CategoryEnvironmentIssue,
			Priority: 16, Requires: []string{"Name or service not known"}, Confidence: 0.88,
		},
		{
			ID: "environment-oom", Category: model.CategoryEnvironmentIssue,
			Priority: 16, Requires: []string{"Out of memory"}, Confidence: 0.90,
		},
		{
			ID: "environment-max-retries", Category: model.CategoryEnvironmentIssue,
			Priority: 16, Requires: []string{"Max retries exceeded"}, Confidence: 0.88,
		},
		{
			ID: "configuration-missing-file", Category: model.CategoryConfigurationIssue,
			Priority: 13, Requires: []string{"No such file or directory"}, Confidence: 0.88,
		},
		{
			ID: "configuration-import", Category: model.CategoryConfigurationIssue,
			Priority: 13, Requires: []string{"ImportError", "No module named"}, Confidence: 0.95,
		},
		{
			ID: "configuration-credentials", Category: model.CategoryConfigurationIssue,
			Priority: 14, Requires: []string{"credential"}, Confidence: 0.85,
		},
		{
			ID: "configuration-env-var", Category: model.CategoryConfigurationIssue,
			Priority: 14, Requires: []string{"environment variable"}, Confidence: 0.85,
		},
	}
}
