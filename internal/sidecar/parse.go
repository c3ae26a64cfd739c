package sidecar

import (
	"sort"

	"github.com/crossstack-ai/crossbridge/internal/adapter"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// slowestLimit caps the slowest-test and failed-keyword lists in the parse
// envelope.
const slowestLimit = 5

// ParseStatistics summarizes one parsed report.
type ParseStatistics struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// SlowTest is one entry in the slowest-tests ranking.
type SlowTest struct {
	Name       string `json:"name"`
	File       string `json:"file,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// FailedKeyword names the keyword a failing Robot test died in.
type FailedKeyword struct {
	Test    string `json:"test"`
	Keyword string `json:"keyword"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope is the response of the synchronous /parse endpoint.
type ParseEnvelope struct {
	Suite          string               `json:"suite,omitempty"`
	Statistics     ParseStatistics      `json:"statistics"`
	Tests          []adapter.ReportCase `json:"tests"`
	FailedKeywords []FailedKeyword      `json:"failed_keywords"`
	SlowestTests   []SlowTest           `json:"slowest_tests"`
}

// BuildParseEnvelope parses a raw report body and normalizes it.
func BuildParseEnvelope(format string, body []byte) (*ParseEnvelope, error) {
	cases, err := adapter.ParseReportBytes(format, body)
	if err != nil {
		return nil, err
	}
	env := &ParseEnvelope{
		Tests:          cases,
		FailedKeywords: []FailedKeyword{},
		SlowestTests:   []SlowTest{},
	}
	for _, cr := range cases {
		env.Statistics.Total++
		switch cr.Status {
		case model.TestPassed:
			env.Statistics.Passed++
		case model.TestSkipped:
			env.Statistics.Skipped++
		default:
			env.Statistics.Failed++
			if cr.Keyword != "" {
				env.FailedKeywords = append(env.FailedKeywords, FailedKeyword{
					Test:    cr.Name,
					Keyword: cr.Keyword,
					Message: cr.Message,
				})
			}
		}
	}

	ranked := make([]adapter.ReportCase, len(cases))
	copy(ranked, cases)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DurationMS > ranked[j].DurationMS
	})
	for i, cr := range ranked {
		if i == slowestLimit {
			break
		}
		env.SlowestTests = append(env.SlowestTests, SlowTest{
			Name:       cr.Name,
			File:       cr.File,
			DurationMS: cr.DurationMS,
		})
	}
	return env, nil
}
