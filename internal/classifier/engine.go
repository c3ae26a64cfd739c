package classifier

import (
	"strings"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// shortSignatureLen is the threshold below which a single-substring match
// loses confidence.
const shortSignatureLen = 100

// confidenceFloor is the minimum confidence for any positive match.
const confidenceFloor = 0.50

// Engine is the deterministic signature stage. It cannot fail: the worst
// case is UNKNOWN with zero confidence.
type Engine struct {
	rules []Rule
}

// NewEngine sorts the rules once; first match by priority wins.
func NewEngine(rules []Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{rules: sortRules(rules)}
}

// Rules returns the effective ordered rule set.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Classify runs the signature through the ordered rules.
func (e *Engine) Classify(testID, signature string) model.FailureClassification {
	lower := strings.ToLower(signature)
	for _, rule := range e.rules {
		evidence, ok := matchRule(rule, signature, lower)
		if !ok {
			continue
		}
		return model.FailureClassification{
			TestID:     testID,
			Category:   rule.Category,
			Confidence: scoreMatch(rule, signature),
			Evidence:   evidence,
		}
	}
	return model.FailureClassification{
		TestID:   testID,
		Category: model.CategoryUnknown,
	}
}

func matchRule(rule Rule, signature, lower string) ([]model.Evidence, bool) {
	evidence := make([]model.Evidence, 0, len(rule.Requires))
	for _, req := range rule.Requires {
		idx := strings.Index(lower, strings.ToLower(req))
		if idx < 0 {
			return nil, false
		}
		evidence = append(evidence, model.Evidence{
			PatternID:  rule.ID,
			Matched:    signature[idx : idx+len(req)],
			LineOffset: strings.Count(signature[:idx], "\n"),
		})
	}
	for _, exc := range rule.Excludes {
		if strings.Contains(lower, strings.ToLower(exc)) {
			return nil, false
		}
	}
	return evidence, true
}

// scoreMatch applies the short-signature reduction and the positive-match
// floor to the rule's base confidence.
func scoreMatch(rule Rule, signature string) float64 {
	conf := rule.Confidence
	if len(rule.Requires) == 1 && len(signature) < shortSignatureLen {
		conf -= 0.10
	}
	if conf < confidenceFloor {
		conf = confidenceFloor
	}
	return conf
}
