package adapter

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// ParseResult locates the framework's report files and maps their test
// cases back onto the plan's selection. Tests the reports never mention
// stay unreported (they end up in no result set), which keeps the
// union ⊆ selected invariant intact under partial runs.
func (f *framework) ParseResult(plan *model.ExecutionPlan, workspace string, opts Options) (*model.ExecutionResult, error) {
	paths, err := f.findReports(workspace, opts)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: no report files found (looked for %s)", f.tag, strings.Join(f.reportGlobs, ", "))
	}
	var cases []caseResult
	for _, p := range paths {
		parsed, err := parseReportFile(f.format, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.tag, err)
		}
		cases = append(cases, parsed...)
	}
	res := assembleResult(f.tag, plan, cases)
	res.ReportPaths = paths
	return res, nil
}

func (f *framework) findReports(workspace string, opts Options) ([]string, error) {
	var paths []string
	for _, glob := range f.reportGlobs {
		for _, root := range []string{opts.ArtifactsDir, workspace} {
			if root == "" {
				continue
			}
			matches, err := doublestar.FilepathGlob(filepath.Join(root, glob))
			if err != nil {
				return nil, err
			}
			paths = append(paths, matches...)
		}
		if len(paths) > 0 {
			break
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// assembleResult matches report cases to selected test ids: exact
// (file, name) first, then name alone.
func assembleResult(tag string, plan *model.ExecutionPlan, cases []caseResult) *model.ExecutionResult {
	byFileName := map[string]string{}
	byName := map[string]string{}
	for _, id := range plan.Selected {
		_, rel, name, err := SplitTestID(id)
		if err != nil {
			continue
		}
		byFileName[rel+"\x00"+name] = id
		if _, dup := byName[name]; !dup {
			byName[name] = id
		} else {
			// Ambiguous bare name: only the file-qualified key can match.
			byName[name] = ""
		}
	}

	res := &model.ExecutionResult{
		Passed:  []string{},
		Failed:  []string{},
		Skipped: []string{},
		Tests:   map[string]model.TestOutcome{},
	}
	for _, cr := range cases {
		id := matchCase(cr, byFileName, byName)
		if id == "" {
			continue
		}
		outcome := model.TestOutcome{
			Status:     cr.Status,
			DurationMS: cr.DurationMS,
		}
		if cr.Status == model.TestFailed || cr.Status == model.TestError {
			outcome.Status = model.TestFailed
			outcome.ErrorSignature = normalizeSignature(cr.Message)
		}
		if prev, seen := res.Tests[id]; seen {
			// The same test reported twice means a retry happened.
			outcome.RetryCount = prev.RetryCount + 1
		}
		res.Tests[id] = outcome
	}

	for id, outcome := range res.Tests {
		switch outcome.Status {
		case model.TestPassed:
			res.Passed = append(res.Passed, id)
		case model.TestFailed:
			res.Failed = append(res.Failed, id)
		case model.TestSkipped:
			res.Skipped = append(res.Skipped, id)
		}
	}
	sort.Strings(res.Passed)
	sort.Strings(res.Failed)
	sort.Strings(res.Skipped)

	if len(res.Failed) > 0 {
		res.Status = model.RunFailed
	} else {
		res.Status = model.RunPassed
	}
	return res
}

func matchCase(cr caseResult, byFileName, byName map[string]string) string {
	if cr.File != "" {
		if id, ok := byFileName[filepath.ToSlash(cr.File)+"\x00"+cr.Name]; ok {
			return id
		}
	}
	if id, ok := byName[cr.Name]; ok {
		return id
	}
	return ""
}
