package adapter

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"time"
)

// Report format tags used by the adapters and the sidecar parse endpoint.
const (
	FormatJUnit      = "junit-xml"
	FormatCucumber   = "cucumber-json"
	FormatRobot      = "robot-xml"
	FormatPlaywright = "playwright-json"
)

// caseResult is the normalized per-test record extracted from any report
// format.
type caseResult struct {
	File       string // workspace-relative when the report carries it
	Name       string
	Status     string // model.TestPassed|TestFailed|TestSkipped|TestError
	DurationMS int64
	Message    string // raw failure/stacktrace output
	Keyword    string // robot only: failing keyword
}

// signatureLimit caps error signatures at roughly 2 kB.
const signatureLimit = 2048

// normalizeSignature trims the raw failure output to the signature budget
// with CRLF folded to LF.
func normalizeSignature(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSpace(s)
	if len(s) > signatureLimit {
		s = s[:signatureLimit]
	}
	return s
}

// ---- JUnit XML ----

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	XMLName xml.Name        `xml:"testsuite"`
	Name    string          `xml:"name,attr"`
	Cases   []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	File      string        `xml:"file,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure"`
	Error     *junitFailure `xml:"error"`
	Skipped   *junitFailure `xml:"skipped"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// parseJUnitXML handles both <testsuites> roots and a bare <testsuite>.
func parseJUnitXML(data []byte) ([]caseResult, error) {
	var suites junitTestSuites
	if err := xml.Unmarshal(data, &suites); err != nil {
		var single junitTestSuite
		if err2 := xml.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("junit xml: %w", err)
		}
		suites.Suites = []junitTestSuite{single}
	}
	var out []caseResult
	for _, suite := range suites.Suites {
		for _, tc := range suite.Cases {
			cr := caseResult{
				File:       tc.File,
				Name:       tc.Name,
				Status:     "passed",
				DurationMS: int64(tc.Time * 1000),
			}
			if cr.File == "" {
				cr.File = classNameToPath(tc.ClassName)
			}
			switch {
			case tc.Failure != nil:
				cr.Status = "failed"
				cr.Message = failureText(tc.Failure)
			case tc.Error != nil:
				cr.Status = "failed"
				cr.Message = failureText(tc.Error)
			case tc.Skipped != nil:
				cr.Status = "skipped"
				cr.Message = failureText(tc.Skipped)
			}
			out = append(out, cr)
		}
	}
	return out, nil
}

func failureText(f *junitFailure) string {
	body := strings.TrimSpace(f.Body)
	if body != "" {
		return body
	}
	return strings.TrimSpace(f.Message)
}

// classNameToPath maps "tests.test_login" back to "tests/test_login.py"
// when pytest emits dotted classnames. Non-pytest classnames are returned
// unchanged.
func classNameToPath(className string) string {
	if className == "" || strings.Contains(className, "/") {
		return className
	}
	if !strings.Contains(className, ".") {
		return className
	}
	return strings.ReplaceAll(className, ".", "/") + ".py"
}

// ---- Cucumber JSON ----

type cucumberFeature struct {
	URI      string            `json:"uri"`
	Elements []cucumberElement `json:"elements"`
}

type cucumberElement struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Steps []cucumberStep `json:"steps"`
}

type cucumberStep struct {
	Name   string `json:"name"`
	Result struct {
		Status       string `json:"status"` // passed|failed|skipped|undefined|pending
		DurationNS   int64  `json:"duration"`
		ErrorMessage string `json:"error_message"`
	} `json:"result"`
}

func parseCucumberJSON(data []byte) ([]caseResult, error) {
	var features []cucumberFeature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("cucumber json: %w", err)
	}
	var out []caseResult
	for _, f := range features {
		for _, el := range f.Elements {
			if el.Type != "scenario" && el.Type != "" {
				continue
			}
			cr := caseResult{File: f.URI, Name: el.Name, Status: "passed"}
			for _, step := range el.Steps {
				cr.DurationMS += step.Result.DurationNS / 1_000_000
				switch step.Result.Status {
				case "failed":
					cr.Status = "failed"
					if cr.Message == "" {
						cr.Message = step.Result.ErrorMessage
					}
				case "undefined", "pending":
					if cr.Status == "passed" {
						cr.Status = "skipped"
					}
				case "skipped":
					if cr.Status == "passed" && cr.Message == "" {
						cr.Status = "skipped"
					}
				}
			}
			out = append(out, cr)
		}
	}
	return out, nil
}

// ---- Robot Framework output.xml ----

type robotOutput struct {
	XMLName xml.Name   `xml:"robot"`
	Suite   robotSuite `xml:"suite"`
}

type robotSuite struct {
	Name   string       `xml:"name,attr"`
	Source string       `xml:"source,attr"`
	Suites []robotSuite `xml:"suite"`
	Tests  []robotTest  `xml:"test"`
}

type robotTest struct {
	Name     string         `xml:"name,attr"`
	Status   robotStatus    `xml:"status"`
	Keywords []robotKeyword `xml:"kw"`
}

type robotKeyword struct {
	Name   string      `xml:"name,attr"`
	Status robotStatus `xml:"status"`
}

type robotStatus struct {
	Status    string `xml:"status,attr"` // PASS|FAIL|SKIP
	StartTime string `xml:"starttime,attr"`
	EndTime   string `xml:"endtime,attr"`
	Elapsed   string `xml:"elapsed,attr"`
	Body      string `xml:",chardata"`
}

func parseRobotXML(data []byte) ([]caseResult, error) {
	var out robotOutput
	if err := xml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("robot xml: %w", err)
	}
	var cases []caseResult
	collectRobotSuite(out.Suite, &cases)
	return cases, nil
}

func collectRobotSuite(s robotSuite, out *[]caseResult) {
	for _, t := range s.Tests {
		cr := caseResult{
			File:       s.Source,
			Name:       t.Name,
			DurationMS: robotElapsedMS(t.Status),
		}
		switch t.Status.Status {
		case "PASS":
			cr.Status = "passed"
		case "SKIP":
			cr.Status = "skipped"
		default:
			cr.Status = "failed"
			cr.Message = strings.TrimSpace(t.Status.Body)
			for _, kw := range t.Keywords {
				if kw.Status.Status == "FAIL" {
					cr.Keyword = kw.Name
					break
				}
			}
		}
		*out = append(*out, cr)
	}
	for _, child := range s.Suites {
		collectRobotSuite(child, out)
	}
}

// robotElapsedMS prefers the modern elapsed attribute (seconds) and falls
// back to the legacy start/end timestamp pair.
func robotElapsedMS(st robotStatus) int64 {
	if st.Elapsed != "" {
		var sec float64
		if _, err := fmt.Sscanf(st.Elapsed, "%f", &sec); err == nil {
			return int64(sec * 1000)
		}
	}
	const layout = "20060102 15:04:05.000"
	if st.StartTime != "" && st.EndTime != "" {
		// Robot's legacy timestamp format carries millisecond precision.
		start, err1 := parseRobotTime(layout, st.StartTime)
		end, err2 := parseRobotTime(layout, st.EndTime)
		if err1 == nil && err2 == nil && end.After(start) {
			return end.Sub(start).Milliseconds()
		}
	}
	return 0
}

func parseRobotTime(layout, s string) (time.Time, error) {
	return time.Parse(layout, strings.TrimSpace(s))
}

// ---- Playwright JSON ----

type playwrightReport struct {
	Suites []playwrightSuite `json:"suites"`
}

type playwrightSuite struct {
	File   string            `json:"file"`
	Title  string            `json:"title"`
	Suites []playwrightSuite `json:"suites"`
	Specs  []playwrightSpec  `json:"specs"`
}

type playwrightSpec struct {
	Title string           `json:"title"`
	File  string           `json:"file"`
	Tests []playwrightTest `json:"tests"`
}

type playwrightTest struct {
	Results []playwrightResult `json:"results"`
}

type playwrightResult struct {
	Status     string `json:"status"` // passed|failed|timedOut|skipped|interrupted
	DurationMS int64  `json:"duration"`
	Error      struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"error"`
	RetryIndex int `json:"retry"`
}

func parsePlaywrightJSON(data []byte) ([]caseResult, error) {
	var report playwrightReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("playwright json: %w", err)
	}
	var out []caseResult
	for _, s := range report.Suites {
		collectPlaywrightSuite(s, &out)
	}
	return out, nil
}

func collectPlaywrightSuite(s playwrightSuite, out *[]caseResult) {
	for _, spec := range s.Specs {
		cr := caseResult{File: spec.File, Name: spec.Title, Status: "skipped"}
		if cr.File == "" {
			cr.File = s.File
		}
		for _, t := range spec.Tests {
			// The last result wins; earlier ones are retries.
			for _, res := range t.Results {
				cr.DurationMS = res.DurationMS
				switch res.Status {
				case "passed":
					cr.Status = "passed"
					cr.Message = ""
				case "skipped":
					cr.Status = "skipped"
				default:
					cr.Status = "failed"
					cr.Message = res.Error.Stack
					if cr.Message == "" {
						cr.Message = res.Error.Message
					}
				}
			}
		}
		*out = append(*out, cr)
	}
	for _, child := range s.Suites {
		collectPlaywrightSuite(child, out)
	}
}

// ReportCase is the exported shape of one parsed report case, used by the
// synchronous parse endpoint.
type ReportCase struct {
	File       string `json:"file,omitempty"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message,omitempty"`
	Keyword    string `json:"keyword,omitempty"`
}

// ParseReportBytes parses a raw report body in the given format.
func ParseReportBytes(format string, data []byte) ([]ReportCase, error) {
	cases, err := parseReport(format, data)
	if err != nil {
		return nil, err
	}
	out := make([]ReportCase, len(cases))
	for i, cr := range cases {
		out[i] = ReportCase{
			File:       cr.File,
			Name:       cr.Name,
			Status:     cr.Status,
			DurationMS: cr.DurationMS,
			Message:    normalizeSignature(cr.Message),
			Keyword:    cr.Keyword,
		}
	}
	return out, nil
}

// parseReportFile dispatches on the report format tag.
func parseReportFile(format, path string) ([]caseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseReport(format, data)
}

func parseReport(format string, data []byte) ([]caseResult, error) {
	switch format {
	case FormatJUnit:
		return parseJUnitXML(data)
	case FormatCucumber:
		return parseCucumberJSON(data)
	case FormatRobot:
		return parseRobotXML(data)
	case FormatPlaywright:
		return parsePlaywrightJSON(data)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}
