package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/crossstack-ai/crossbridge/internal/adapter"
	"github.com/crossstack-ai/crossbridge/internal/classifier"
	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/model"
	"github.com/crossstack-ai/crossbridge/internal/orchestrator"
)

// analyzedFailure is one classified failure from an existing report file.
type analyzedFailure struct {
	File           string                      `json:"file"`
	TestName       string                      `json:"test_name"`
	Classification model.FailureClassification `json:"classification"`
}

func (a *app) analyzeCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "analyze", Short: "Classify failures from existing report files"}

	var logFile, testName, framework, failOn string
	var enableAI bool
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Classify the failures in one report file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.analyzeLogs(cmd.Context(), logFile, testName, framework, failOn, enableAI)
		},
	}
	logsCmd.Flags().StringVar(&logFile, "log-file", "", "report file to analyze (required)")
	logsCmd.Flags().StringVar(&testName, "test-name", "", "only this test")
	logsCmd.Flags().StringVar(&framework, "framework", "", "framework tag (required)")
	logsCmd.Flags().StringVar(&failOn, "fail-on", "none", "product|automation|all|none")
	logsCmd.Flags().BoolVar(&enableAI, "enable-ai", false, "run the AI enrichment stage")
	_ = logsCmd.MarkFlagRequired("log-file")
	_ = logsCmd.MarkFlagRequired("framework")

	var logDir, pattern, dirFramework string
	dirCmd := &cobra.Command{
		Use:   "directory",
		Short: "Classify failures across every report matching a glob",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.analyzeDirectory(cmd.Context(), logDir, pattern, dirFramework)
		},
	}
	dirCmd.Flags().StringVar(&logDir, "log-dir", "", "directory to scan (required)")
	dirCmd.Flags().StringVar(&pattern, "pattern", "**/*.xml", "doublestar glob relative to --log-dir")
	dirCmd.Flags().StringVar(&dirFramework, "framework", "", "framework tag (default: sniff per file)")
	_ = dirCmd.MarkFlagRequired("log-dir")

	cmd.AddCommand(logsCmd, dirCmd)
	return cmd
}

func (a *app) analyzeLogs(ctx context.Context, logFile, testName, framework, failOn string, enableAI bool) error {
	format, err := a.reportFormat(framework)
	if err != nil {
		return a.fail(err)
	}
	cls, err := a.buildClassifier(enableAI)
	if err != nil {
		return a.fail(err)
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		return a.fail(&adapter.ExecutionError{Framework: framework, Message: "log file", Err: err})
	}
	failures, err := classifyReport(ctx, cls, framework, format, logFile, data, testName)
	if err != nil {
		return a.fail(err)
	}
	a.printAnalysis(failures)

	if shouldFail(failures, failOn) {
		a.exit = orchestrator.ExitTestFailures
	}
	return nil
}

func (a *app) analyzeDirectory(ctx context.Context, logDir, pattern, framework string) error {
	cls, err := a.buildClassifier(false)
	if err != nil {
		return a.fail(err)
	}
	matches, err := doublestar.Glob(os.DirFS(logDir), pattern)
	if err != nil {
		return a.fail(&config.Error{Message: fmt.Sprintf("pattern %q: %v", pattern, err)})
	}
	sort.Strings(matches)

	var all []analyzedFailure
	parsed := 0
	for _, rel := range matches {
		path := filepath.Join(logDir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			a.logger.Warn("skipping unreadable report: " + path)
			continue
		}
		format := sniffFormat(data)
		if framework != "" {
			if format, err = a.reportFormat(framework); err != nil {
				return a.fail(err)
			}
		}
		if format == "" {
			continue
		}
		failures, err := classifyReport(ctx, cls, framework, format, rel, data, "")
		if err != nil {
			a.logger.Warn("skipping unparseable report: " + path)
			continue
		}
		parsed++
		all = append(all, failures...)
	}
	if a.jsonOut {
		return printJSON(map[string]any{
			"reports_parsed": parsed,
			"failures":       all,
			"by_category":    countByCategory(all),
		})
	}
	fmt.Printf("parsed %d reports, %d failures\n", parsed, len(all))
	a.printAnalysis(all)
	categories := countByCategory(all)
	keys := make([]string, 0, len(categories))
	for k := range categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-22s %d\n", k, categories[k])
	}
	return nil
}

// classifyReport parses one report body and classifies its failing cases.
func classifyReport(ctx context.Context, cls *classifier.Classifier, framework, format, file string, data []byte, onlyTest string) ([]analyzedFailure, error) {
	cases, err := adapter.ParseReportBytes(format, data)
	if err != nil {
		return nil, &adapter.ExecutionError{Framework: framework, Message: "report parsing failed", Err: err}
	}
	var out []analyzedFailure
	for _, cr := range cases {
		if onlyTest != "" && cr.Name != onlyTest {
			continue
		}
		if cr.Status != model.TestFailed && cr.Status != model.TestError {
			continue
		}
		c := cls.Classify(ctx, classifier.Input{
			TestID:    cr.Name,
			Status:    model.TestFailed,
			Signature: cr.Message,
		})
		out = append(out, analyzedFailure{File: file, TestName: cr.Name, Classification: c})
	}
	return out, nil
}

func (a *app) printAnalysis(failures []analyzedFailure) {
	if a.jsonOut {
		_ = printJSON(failures)
		return
	}
	for _, f := range failures {
		c := f.Classification
		fmt.Printf("%s: %s  [%s %.2f]\n", f.File, f.TestName, c.Category, c.Confidence)
		for _, ev := range c.Evidence {
			fmt.Printf("    matched %q (rule %s)\n", ev.Matched, ev.PatternID)
		}
		if c.CodeReference != nil {
			fmt.Printf("    at %s:%d\n", c.CodeReference.File, c.CodeReference.Line)
		}
		if c.AIEnrichment != nil && c.AIEnrichment.Reasoning != "" {
			fmt.Printf("    ai: %s\n", c.AIEnrichment.Reasoning)
		}
	}
}

// reportFormat resolves a framework tag to its native report format.
func (a *app) reportFormat(framework string) (string, error) {
	ad, ok := adapter.NewDefaultRegistry().Get(framework)
	if !ok {
		return "", &config.Error{Message: fmt.Sprintf("unknown framework %q", framework)}
	}
	return ad.ReportFormat(), nil
}

// sniffFormat guesses the report format from content. Returns "" when the
// file is not a recognizable report.
func sniffFormat(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Contains(trimmed, []byte("<robot")):
		return adapter.FormatRobot
	case bytes.HasPrefix(trimmed, []byte("<")):
		return adapter.FormatJUnit
	case bytes.HasPrefix(trimmed, []byte("[")):
		return adapter.FormatCucumber
	case bytes.HasPrefix(trimmed, []byte("{")):
		return adapter.FormatPlaywright
	default:
		return ""
	}
}

func shouldFail(failures []analyzedFailure, failOn string) bool {
	if len(failures) == 0 {
		return false
	}
	switch strings.ToLower(failOn) {
	case "all":
		return true
	case "product":
		return hasCategory(failures, model.CategoryProductDefect)
	case "automation":
		return hasCategory(failures, model.CategoryAutomationDefect)
	default:
		return false
	}
}

func hasCategory(failures []analyzedFailure, category string) bool {
	for _, f := range failures {
		if f.Classification.Category == category {
			return true
		}
	}
	return false
}

func countByCategory(failures []analyzedFailure) map[string]int {
	out := map[string]int{}
	for _, f := range failures {
		out[f.Classification.Category]++
	}
	return out
}
