package adapter

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

func TestSplitTestID(t *testing.T) {
	fw, rel, name, err := SplitTestID("pytest::tests/test_login.py::test_valid_login")
	if err != nil {
		t.Fatalf("SplitTestID: %v", err)
	}
	if fw != "pytest" || rel != "tests/test_login.py" || name != "test_valid_login" {
		t.Fatalf("got (%q, %q, %q)", fw, rel, name)
	}
	if got := TestID(fw, rel, name); got != "pytest::tests/test_login.py::test_valid_login" {
		t.Fatalf("round trip: %q", got)
	}

	for _, bad := range []string{"", "pytest", "pytest::file.py", "::file.py::name", "pytest::file.py::"} {
		if _, _, _, err := SplitTestID(bad); err == nil {
			t.Fatalf("SplitTestID(%q): want error", bad)
		}
	}
}

func TestSplitTestIDNameWithSpaces(t *testing.T) {
	_, rel, name, err := SplitTestID("robot::suites/login.robot::Valid Login With Remember Me")
	if err != nil {
		t.Fatalf("SplitTestID: %v", err)
	}
	if rel != "suites/login.robot" || name != "Valid Login With Remember Me" {
		t.Fatalf("got (%q, %q)", rel, name)
	}
}

func TestParseJUnitXML(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>
<testsuites>
  <testsuite name="pytest">
    <testcase classname="tests.test_login" name="test_valid_login" time="0.42"/>
    <testcase classname="tests.test_login" name="test_wrong_password" time="1.5">
      <failure message="AssertionError">Traceback (most recent call last):
  assert resp.status == 200
AssertionError: expected 200, got 401</failure>
    </testcase>
    <testcase classname="tests.test_login" name="test_locked_account" time="0">
      <skipped message="not implemented"/>
    </testcase>
  </testsuite>
</testsuites>`)
	cases, err := parseJUnitXML(data)
	if err != nil {
		t.Fatalf("parseJUnitXML: %v", err)
	}
	if len(cases) != 3 {
		t.Fatalf("got %d cases, want 3", len(cases))
	}
	if cases[0].File != "tests/test_login.py" {
		t.Fatalf("classname mapping: got %q", cases[0].File)
	}
	if cases[0].Status != model.TestPassed || cases[0].DurationMS != 420 {
		t.Fatalf("case 0: %+v", cases[0])
	}
	if cases[1].Status != "failed" || !strings.Contains(cases[1].Message, "expected 200, got 401") {
		t.Fatalf("case 1: %+v", cases[1])
	}
	if cases[2].Status != "skipped" {
		t.Fatalf("case 2: %+v", cases[2])
	}
}

func TestParseJUnitXMLBareSuite(t *testing.T) {
	data := []byte(`<testsuite name="solo">
  <testcase classname="LoginTest" name="testLogin" time="0.1"/>
</testsuite>`)
	cases, err := parseJUnitXML(data)
	if err != nil {
		t.Fatalf("parseJUnitXML: %v", err)
	}
	if len(cases) != 1 || cases[0].Name != "testLogin" {
		t.Fatalf("got %+v", cases)
	}
	// Undotted classnames pass through untouched.
	if cases[0].File != "LoginTest" {
		t.Fatalf("file: %q", cases[0].File)
	}
}

func TestParseCucumberJSON(t *testing.T) {
	data := []byte(`[
  {"uri": "features/login.feature", "elements": [
    {"type": "scenario", "name": "Valid login", "steps": [
      {"name": "Given a user", "result": {"status": "passed", "duration": 100000000}},
      {"name": "Then success", "result": {"status": "passed", "duration": 200000000}}
    ]},
    {"type": "scenario", "name": "Bad password", "steps": [
      {"name": "Given a user", "result": {"status": "passed", "duration": 50000000}},
      {"name": "Then denied", "result": {"status": "failed", "duration": 10000000, "error_message": "expected denial page"}}
    ]},
    {"type": "scenario", "name": "Pending flow", "steps": [
      {"name": "Given nothing", "result": {"status": "undefined"}}
    ]}
  ]}
]`)
	cases, err := parseCucumberJSON(data)
	if err != nil {
		t.Fatalf("parseCucumberJSON: %v", err)
	}
	if len(cases) != 3 {
		t.Fatalf("got %d cases, want 3", len(cases))
	}
	if cases[0].Status != "passed" || cases[0].DurationMS != 300 {
		t.Fatalf("case 0: %+v", cases[0])
	}
	if cases[1].Status != "failed" || cases[1].Message != "expected denial page" {
		t.Fatalf("case 1: %+v", cases[1])
	}
	if cases[2].Status != "skipped" {
		t.Fatalf("case 2: %+v", cases[2])
	}
	if cases[0].File != "features/login.feature" {
		t.Fatalf("file: %q", cases[0].File)
	}
}

func TestParseRobotXML(t *testing.T) {
	data := []byte(`<robot>
  <suite name="Login" source="/ws/suites/login.robot">
    <test name="Valid Login">
      <status status="PASS" elapsed="1.25"/>
    </test>
    <test name="Wrong Password">
      <kw name="Open Browser"><status status="PASS"/></kw>
      <kw name="Submit Credentials"><status status="FAIL"/></kw>
      <status status="FAIL" starttime="20250101 10:00:00.000" endtime="20250101 10:00:02.500">Element not found</status>
    </test>
    <suite name="Nested" source="/ws/suites/nested.robot">
      <test name="Inner Case"><status status="SKIP"/></test>
    </suite>
  </suite>
</robot>`)
	cases, err := parseRobotXML(data)
	if err != nil {
		t.Fatalf("parseRobotXML: %v", err)
	}
	if len(cases) != 3 {
		t.Fatalf("got %d cases, want 3", len(cases))
	}
	if cases[0].Status != "passed" || cases[0].DurationMS != 1250 {
		t.Fatalf("case 0: %+v", cases[0])
	}
	if cases[1].Status != "failed" || cases[1].Message != "Element not found" {
		t.Fatalf("case 1: %+v", cases[1])
	}
	if cases[1].Keyword != "Submit Credentials" {
		t.Fatalf("failing keyword: %q", cases[1].Keyword)
	}
	if cases[1].DurationMS != 2500 {
		t.Fatalf("legacy timestamps: got %d ms", cases[1].DurationMS)
	}
	if cases[2].Name != "Inner Case" || cases[2].Status != "skipped" {
		t.Fatalf("nested suite: %+v", cases[2])
	}
}

func TestParsePlaywrightJSONRetries(t *testing.T) {
	data := []byte(`{
  "suites": [{
    "file": "tests/checkout.spec.ts",
    "specs": [{
      "title": "completes checkout",
      "file": "tests/checkout.spec.ts",
      "tests": [{
        "results": [
          {"status": "failed", "duration": 900, "retry": 0, "error": {"message": "timeout"}},
          {"status": "passed", "duration": 850, "retry": 1}
        ]
      }]
    }]
  }]
}`)
	cases, err := parsePlaywrightJSON(data)
	if err != nil {
		t.Fatalf("parsePlaywrightJSON: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("got %d cases", len(cases))
	}
	// The last result wins after retries.
	if cases[0].Status != "passed" || cases[0].Message != "" || cases[0].DurationMS != 850 {
		t.Fatalf("case: %+v", cases[0])
	}
}

func TestNormalizeSignature(t *testing.T) {
	if got := normalizeSignature("  line1\r\nline2\r "); got != "line1\nline2" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", signatureLimit+500)
	if got := normalizeSignature(long); len(got) != signatureLimit {
		t.Fatalf("cap: got %d bytes", len(got))
	}
}

func TestDiscoverPytest(t *testing.T) {
	ws := t.TempDir()
	mustWrite(t, filepath.Join(ws, "tests", "test_auth.py"),
		"def test_login():\n    pass\n\ndef test_logout():\n    pass\n\ndef helper():\n    pass\n")
	mustWrite(t, filepath.Join(ws, "node_modules", "pkg", "test_skip.py"),
		"def test_hidden():\n    pass\n")

	a := mustAdapter(t, "pytest")
	ids, err := a.Discover(ws)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		"pytest::tests/test_auth.py::test_login",
		"pytest::tests/test_auth.py::test_logout",
	}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestDiscoverRobot(t *testing.T) {
	ws := t.TempDir()
	mustWrite(t, filepath.Join(ws, "suites", "login.robot"), `*** Settings ***
Library  SeleniumLibrary

*** Test Cases ***
Valid Login
    Open Browser  ${URL}
Wrong Password
    Open Browser  ${URL}
# a comment
*** Keywords ***
Open Stuff
    Log  hi
`)
	a := mustAdapter(t, "robot")
	ids, err := a.Discover(ws)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		"robot::suites/login.robot::Valid Login",
		"robot::suites/login.robot::Wrong Password",
	}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestCommandPytest(t *testing.T) {
	plan := planFor("pytest::tests/test_a.py::test_one", "pytest::tests/test_b.py::test_two")
	a := mustAdapter(t, "pytest")
	inv, err := a.Command(plan, "/ws", Options{Parallel: true, ArtifactsDir: "/data/runs/r1", SidecarEndpoint: "http://localhost:8787"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	want := []string{"python", "-m", "pytest", "-q",
		"--junitxml", "/data/runs/r1/report.xml", "-n", "auto",
		"tests/test_a.py::test_one", "tests/test_b.py::test_two"}
	if !reflect.DeepEqual(inv.Argv, want) {
		t.Fatalf("argv:\n got %v\nwant %v", inv.Argv, want)
	}
	if inv.Dir != "/ws" {
		t.Fatalf("dir: %q", inv.Dir)
	}
	assertEnv(t, inv.Env, "CROSSBRIDGE_ENABLED=true")
	assertEnv(t, inv.Env, "CROSSBRIDGE_SIDECAR_ENDPOINT=http://localhost:8787")
}

func TestCommandBehaveAnchorsNames(t *testing.T) {
	plan := planFor("behave::features/login.feature::Valid (admin) login")
	a := mustAdapter(t, "behave")
	inv, err := a.Command(plan, "/ws", Options{ArtifactsDir: "/data/runs/r1"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	joined := strings.Join(inv.Argv, " ")
	if !strings.Contains(joined, `--name ^Valid \(admin\) login$`) {
		t.Fatalf("regex anchoring missing: %v", inv.Argv)
	}
	if inv.Argv[len(inv.Argv)-1] != "features/login.feature" {
		t.Fatalf("file argument missing: %v", inv.Argv)
	}
}

func TestCommandPlaywrightEnv(t *testing.T) {
	plan := planFor("playwright::tests/checkout.spec.ts::completes checkout")
	a := mustAdapter(t, "playwright")
	inv, err := a.Command(plan, "/ws", Options{Parallel: false, ArtifactsDir: "/data/runs/r1"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	assertEnv(t, inv.Env, "PLAYWRIGHT_JSON_OUTPUT_NAME=/data/runs/r1/report.json")
	joined := strings.Join(inv.Argv, " ")
	if !strings.Contains(joined, "--workers=1") {
		t.Fatalf("sequential run should force one worker: %v", inv.Argv)
	}
}

func TestCommandJUnitClassFilter(t *testing.T) {
	plan := planFor(
		"junit::src/test/java/com/acme/LoginTest.java::testValidLogin",
		"junit::src/test/java/com/acme/LoginTest.java::testLockout",
		"junit::src/test/java/com/acme/CartTest.java::testAddItem",
	)
	a := mustAdapter(t, "junit")
	inv, err := a.Command(plan, "/ws", Options{ArtifactsDir: "/tmp/a"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	joined := strings.Join(inv.Argv, " ")
	if !strings.Contains(joined, "-Dtest=LoginTest#testValidLogin,LoginTest#testLockout,CartTest#testAddItem") {
		t.Fatalf("surefire filter: %v", inv.Argv)
	}
}

func TestWriteTestNGSuite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testng.xml")
	plan := planFor(
		"testng::src/test/java/com/acme/LoginTest.java::validLogin",
		"testng::src/test/java/com/acme/LoginTest.java::lockout",
	)
	sel, err := decompose(plan)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if err := writeTestNGSuite(path, sel, true); err != nil {
		t.Fatalf("writeTestNGSuite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(data)
	for _, want := range []string{`<class name="LoginTest">`, `<include name="validLogin"/>`, `<include name="lockout"/>`, `parallel="methods"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("suite xml missing %q:\n%s", want, text)
		}
	}
}

func TestRegistryTags(t *testing.T) {
	r := NewDefaultRegistry()
	tags := r.Tags()
	if len(tags) != 13 {
		t.Fatalf("got %d frameworks, want 13: %v", len(tags), tags)
	}
	for _, tag := range []string{"pytest", "behave", "robot", "cucumber", "junit", "testng", "jest", "mocha", "cypress", "playwright", "nunit", "rspec", "phpunit"} {
		if _, ok := r.Get(tag); !ok {
			t.Fatalf("framework %q not registered", tag)
		}
	}
	if _, ok := r.Get(" PyTest "); !ok {
		t.Fatal("lookup should be case and whitespace insensitive")
	}
}

func TestAssembleResult(t *testing.T) {
	plan := planFor(
		"pytest::tests/test_a.py::test_one",
		"pytest::tests/test_a.py::test_two",
		"pytest::tests/test_b.py::test_three",
	)
	cases := []caseResult{
		{File: "tests/test_a.py", Name: "test_one", Status: "passed", DurationMS: 100},
		{File: "tests/test_a.py", Name: "test_two", Status: "failed", Message: "boom\r\nstack"},
		// test_three never appears in the report: it must land in no set.
	}
	res := assembleResult("pytest", plan, cases)
	if !reflect.DeepEqual(res.Passed, []string{"pytest::tests/test_a.py::test_one"}) {
		t.Fatalf("passed: %v", res.Passed)
	}
	if !reflect.DeepEqual(res.Failed, []string{"pytest::tests/test_a.py::test_two"}) {
		t.Fatalf("failed: %v", res.Failed)
	}
	if len(res.Skipped) != 0 {
		t.Fatalf("skipped: %v", res.Skipped)
	}
	if res.Status != model.RunFailed {
		t.Fatalf("status: %q", res.Status)
	}
	out := res.Tests["pytest::tests/test_a.py::test_two"]
	if out.ErrorSignature != "boom\nstack" {
		t.Fatalf("signature: %q", out.ErrorSignature)
	}
}

func TestAssembleResultRetryCount(t *testing.T) {
	plan := planFor("jest::src/app.test.js::renders header")
	cases := []caseResult{
		{File: "src/app.test.js", Name: "renders header", Status: "failed", Message: "flaky"},
		{File: "src/app.test.js", Name: "renders header", Status: "passed"},
	}
	res := assembleResult("jest", plan, cases)
	out := res.Tests["jest::src/app.test.js::renders header"]
	if out.RetryCount != 1 || out.Status != model.TestPassed {
		t.Fatalf("retry outcome: %+v", out)
	}
	if res.Status != model.RunPassed {
		t.Fatalf("status: %q", res.Status)
	}
}

func TestAssembleResultAmbiguousBareName(t *testing.T) {
	plan := planFor(
		"junit::src/test/java/a/LoginTest.java::testRun",
		"junit::src/test/java/b/CartTest.java::testRun",
	)
	// A case carrying no usable file and a name both tests share cannot be
	// attributed to either.
	res := assembleResult("junit", plan, []caseResult{{Name: "testRun", Status: "passed"}})
	if len(res.Passed)+len(res.Failed)+len(res.Skipped) != 0 {
		t.Fatalf("ambiguous case must not match: %+v", res)
	}
}

func TestParseResultFromArtifacts(t *testing.T) {
	ws := t.TempDir()
	artifacts := t.TempDir()
	mustWrite(t, filepath.Join(artifacts, "report.xml"), `<testsuites>
  <testsuite name="pytest">
    <testcase classname="tests.test_a" name="test_one" time="0.2"/>
  </testsuite>
</testsuites>`)
	a := mustAdapter(t, "pytest")
	plan := planFor("pytest::tests/test_a.py::test_one")
	res, err := a.ParseResult(plan, ws, Options{ArtifactsDir: artifacts})
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if !reflect.DeepEqual(res.Passed, []string{"pytest::tests/test_a.py::test_one"}) {
		t.Fatalf("passed: %v", res.Passed)
	}
	if len(res.ReportPaths) != 1 {
		t.Fatalf("report paths: %v", res.ReportPaths)
	}
}

func TestParseResultNoReports(t *testing.T) {
	a := mustAdapter(t, "pytest")
	plan := planFor("pytest::tests/test_a.py::test_one")
	_, err := a.ParseResult(plan, t.TempDir(), Options{ArtifactsDir: t.TempDir()})
	if err == nil || !reportsMissing(err) {
		t.Fatalf("want no-report error, got %v", err)
	}
}

func TestIsTransientSpawn(t *testing.T) {
	if isTransientSpawn(nil) {
		t.Fatal("nil error is not transient")
	}
	if isTransientSpawn(os.ErrNotExist) {
		t.Fatal("missing file is deterministic")
	}
}

// ---- helpers ----

func planFor(ids ...string) *model.ExecutionPlan {
	plan := &model.ExecutionPlan{
		Strategy:   "full",
		Selected:   ids,
		Priorities: map[string]int{},
		Reasons:    map[string]string{},
	}
	for _, id := range ids {
		plan.Priorities[id] = 5
		plan.Reasons[id] = "full-suite"
	}
	return plan
}

func mustAdapter(t *testing.T, tag string) Adapter {
	t.Helper()
	a, ok := NewDefaultRegistry().Get(tag)
	if !ok {
		t.Fatalf("adapter %q not registered", tag)
	}
	return a
}

func assertEnv(t *testing.T, env []string, want string) {
	t.Helper()
	for _, e := range env {
		if e == want {
			return
		}
	}
	t.Fatalf("env missing %q: %v", want, env)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
