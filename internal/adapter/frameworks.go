package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// framework is the shared adapter implementation. Each supported framework
// is one table entry: discovery globs, test-name extraction, report format
// and an argv builder.
type framework struct {
	tag          string
	extensions   []string
	parallel     bool
	format       string
	discoverGlob []string
	namePattern  *regexp.Regexp             // capture group 1 = test name
	extract      func(content string) []string // overrides namePattern when set
	reportGlobs  []string                   // relative to artifacts dir, then workspace
	buildArgv    func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error)
}

// selection is the plan decomposed into per-framework shapes.
type selection struct {
	plan  *model.ExecutionPlan
	ids   []string
	files []string // unique relative paths, selection order
	names []string // test names, selection order
	nodes []string // "<path>::<name>" pairs
}

func (f *framework) Tag() string           { return f.tag }
func (f *framework) Extensions() []string  { return f.extensions }
func (f *framework) ParallelCapable() bool { return f.parallel }
func (f *framework) ReportFormat() string  { return f.format }

// skipDirs are never descended into during discovery.
var skipDirs = []string{"/node_modules/", "/.git/", "/venv/", "/.venv/", "/vendor/", "/target/"}

func (f *framework) Discover(workspace string) ([]string, error) {
	seenFiles := map[string]bool{}
	var files []string
	for _, pattern := range f.discoverGlob {
		matches, err := doublestar.FilepathGlob(filepath.Join(workspace, pattern))
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", f.tag, err)
		}
		for _, m := range matches {
			if skipPath(m) || seenFiles[m] {
				continue
			}
			seenFiles[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)

	var ids []string
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			rel = path
		}
		for _, name := range f.extractNames(string(content)) {
			ids = append(ids, TestID(f.tag, filepath.ToSlash(rel), name))
		}
	}
	return ids, nil
}

func (f *framework) extractNames(content string) []string {
	if f.extract != nil {
		return f.extract(content)
	}
	seen := map[string]bool{}
	var names []string
	for _, line := range strings.Split(content, "\n") {
		m := f.namePattern.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

func skipPath(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, d := range skipDirs {
		if strings.Contains(slashed, d) {
			return true
		}
	}
	return false
}

func (f *framework) Command(plan *model.ExecutionPlan, workspace string, opts Options) (*Invocation, error) {
	sel, err := decompose(plan)
	if err != nil {
		return nil, err
	}
	inv, err := f.buildArgv(f, sel, workspace, opts)
	if err != nil {
		return nil, err
	}
	inv.Env = append(inv.Env, observerEnv(opts)...)
	if inv.Dir == "" {
		inv.Dir = workspace
	}
	return inv, nil
}

func decompose(plan *model.ExecutionPlan) (selection, error) {
	sel := selection{plan: plan, ids: plan.Selected}
	seenFile := map[string]bool{}
	for _, id := range plan.Selected {
		_, rel, name, err := SplitTestID(id)
		if err != nil {
			return sel, err
		}
		if !seenFile[rel] {
			seenFile[rel] = true
			sel.files = append(sel.files, rel)
		}
		sel.names = append(sel.names, name)
		sel.nodes = append(sel.nodes, rel+"::"+name)
	}
	return sel, nil
}

// robotTestNames pulls test case names out of a .robot file: in the
// "*** Test Cases ***" section, any non-indented non-comment line starts a
// test.
func robotTestNames(content string) []string {
	var names []string
	inSection := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimRight(line, " \t\r")
		if strings.HasPrefix(trimmed, "***") {
			inSection = strings.Contains(strings.ToLower(trimmed), "test case")
			continue
		}
		if !inSection || trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		names = append(names, trimmed)
	}
	return names
}

// NewDefaultRegistry registers the 13 supported frameworks.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range builtinFrameworks() {
		r.Register(f)
	}
	return r
}

func builtinFrameworks() []*framework {
	jsTestPattern := regexp.MustCompile(`(?:^|[^\w.])(?:test|it)\(\s*['"` + "`" + `](.+?)['"` + "`" + `]`)
	return []*framework{
		{
			tag:          "pytest",
			extensions:   []string{".py"},
			parallel:     true,
			format:       FormatJUnit,
			discoverGlob: []string{"**/test_*.py", "**/*_test.py"},
			namePattern:  regexp.MustCompile(`^\s*def (test_[A-Za-z0-9_]+)`),
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"python", "-m", "pytest", "-q",
					"--junitxml", filepath.Join(opts.ArtifactsDir, "report.xml")}
				if opts.Parallel {
					argv = append(argv, "-n", "auto")
				}
				argv = append(argv, sel.nodes...)
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "behave",
			extensions:   []string{".feature"},
			parallel:     false,
			format:       FormatJUnit,
			discoverGlob: []string{"**/*.feature"},
			namePattern:  regexp.MustCompile(`^\s*Scenario(?: Outline)?:\s*(.+?)\s*$`),
			reportGlobs:  []string{"TESTS-*.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"behave", "--junit", "--junit-directory", opts.ArtifactsDir}
				for _, name := range sel.names {
					argv = append(argv, "--name", "^"+regexp.QuoteMeta(name)+"$")
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "robot",
			extensions:   []string{".robot"},
			parallel:     true,
			format:       FormatRobot,
			discoverGlob: []string{"**/*.robot"},
			extract:      robotTestNames,
			reportGlobs:  []string{"output.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				runner := []string{"robot"}
				if opts.Parallel {
					runner = []string{"pabot", "--processes", "4"}
				}
				argv := append(runner, "--outputdir", opts.ArtifactsDir, "--output", "output.xml")
				for _, name := range sel.names {
					argv = append(argv, "--test", name)
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "cucumber",
			extensions:   []string{".feature"},
			parallel:     true,
			format:       FormatCucumber,
			discoverGlob: []string{"**/*.feature"},
			namePattern:  regexp.MustCompile(`^\s*Scenario(?: Outline)?:\s*(.+?)\s*$`),
			reportGlobs:  []string{"report.json"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"npx", "cucumber-js",
					"--format", "json:" + filepath.Join(opts.ArtifactsDir, "report.json")}
				if opts.Parallel {
					argv = append(argv, "--parallel", "4")
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "junit",
			extensions:   []string{".java"},
			parallel:     false,
			format:       FormatJUnit,
			discoverGlob: []string{"**/src/test/java/**/*Test.java"},
			namePattern:  regexp.MustCompile(`^\s*(?:public\s+)?void\s+(test[A-Za-z0-9_]*|[a-z][A-Za-z0-9_]*Test)\s*\(`),
			reportGlobs:  []string{"target/surefire-reports/TEST-*.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				classes := javaClassFilters(sel)
				argv := []string{"mvn", "-q", "-B", "test"}
				if len(classes) > 0 {
					argv = append(argv, "-Dtest="+strings.Join(classes, ","))
				}
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "testng",
			extensions:   []string{".java"},
			parallel:     true,
			format:       FormatJUnit,
			discoverGlob: []string{"**/src/test/java/**/*Test.java"},
			namePattern:  regexp.MustCompile(`^\s*(?:public\s+)?void\s+([a-z][A-Za-z0-9_]*)\s*\(`),
			reportGlobs:  []string{"target/surefire-reports/TEST-*.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				suitePath := filepath.Join(opts.ArtifactsDir, "testng.xml")
				if err := writeTestNGSuite(suitePath, sel, opts.Parallel); err != nil {
					return nil, err
				}
				return &Invocation{Argv: []string{"mvn", "-q", "-B", "test",
					"-Dsurefire.suiteXmlFiles=" + suitePath}}, nil
			},
		},
		{
			tag:          "jest",
			extensions:   []string{".js", ".ts"},
			parallel:     true,
			format:       FormatJUnit,
			discoverGlob: []string{"**/*.test.js", "**/*.test.ts", "**/*.spec.js", "**/*.spec.ts"},
			namePattern:  jsTestPattern,
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"npx", "jest", "--ci", "--reporters=default", "--reporters=jest-junit"}
				if !opts.Parallel {
					argv = append(argv, "--runInBand")
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv, Env: []string{
					"JEST_JUNIT_OUTPUT_FILE=" + filepath.Join(opts.ArtifactsDir, "report.xml"),
				}}, nil
			},
		},
		{
			tag:          "mocha",
			extensions:   []string{".js"},
			parallel:     true,
			format:       FormatJUnit,
			discoverGlob: []string{"**/test/**/*.js", "**/*.spec.js"},
			namePattern:  jsTestPattern,
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"npx", "mocha",
					"--reporter", "mocha-junit-reporter",
					"--reporter-options", "mochaFile=" + filepath.Join(opts.ArtifactsDir, "report.xml")}
				if opts.Parallel {
					argv = append(argv, "--parallel")
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "cypress",
			extensions:   []string{".cy.js", ".cy.ts"},
			parallel:     false,
			format:       FormatJUnit,
			discoverGlob: []string{"**/cypress/e2e/**/*.cy.js", "**/cypress/e2e/**/*.cy.ts"},
			namePattern:  jsTestPattern,
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"npx", "cypress", "run",
					"--reporter", "junit",
					"--reporter-options", "mochaFile=" + filepath.Join(opts.ArtifactsDir, "report.xml")}
				if len(sel.files) > 0 {
					argv = append(argv, "--spec", strings.Join(sel.files, ","))
				}
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "playwright",
			extensions:   []string{".spec.ts", ".spec.js"},
			parallel:     true,
			format:       FormatPlaywright,
			discoverGlob: []string{"**/tests/**/*.spec.ts", "**/tests/**/*.spec.js", "**/e2e/**/*.spec.ts"},
			namePattern:  jsTestPattern,
			reportGlobs:  []string{"report.json"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"npx", "playwright", "test", "--reporter=json"}
				if !opts.Parallel {
					argv = append(argv, "--workers=1")
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv, Env: []string{
					"PLAYWRIGHT_JSON_OUTPUT_NAME=" + filepath.Join(opts.ArtifactsDir, "report.json"),
				}}, nil
			},
		},
		{
			tag:          "nunit",
			extensions:   []string{".cs"},
			parallel:     true,
			format:       FormatJUnit,
			discoverGlob: []string{"**/*Tests.cs", "**/*Test.cs"},
			namePattern:  regexp.MustCompile(`^\s*public\s+(?:async\s+Task|void)\s+([A-Za-z0-9_]+)\s*\(`),
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"dotnet", "test",
					"--logger", "junit;LogFilePath=" + filepath.Join(opts.ArtifactsDir, "report.xml")}
				if filter := nunitFilter(sel); filter != "" {
					argv = append(argv, "--filter", filter)
				}
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "rspec",
			extensions:   []string{".rb"},
			parallel:     false,
			format:       FormatJUnit,
			discoverGlob: []string{"**/spec/**/*_spec.rb"},
			namePattern:  regexp.MustCompile(`^\s*it\s+['"](.+?)['"]`),
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"bundle", "exec", "rspec",
					"--format", "RspecJunitFormatter",
					"--out", filepath.Join(opts.ArtifactsDir, "report.xml")}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv}, nil
			},
		},
		{
			tag:          "phpunit",
			extensions:   []string{".php"},
			parallel:     false,
			format:       FormatJUnit,
			discoverGlob: []string{"**/tests/**/*Test.php"},
			namePattern:  regexp.MustCompile(`^\s*public function (test[A-Za-z0-9_]+)`),
			reportGlobs:  []string{"report.xml"},
			buildArgv: func(f *framework, sel selection, workspace string, opts Options) (*Invocation, error) {
				argv := []string{"./vendor/bin/phpunit",
					"--log-junit", filepath.Join(opts.ArtifactsDir, "report.xml")}
				if len(sel.names) > 0 {
					argv = append(argv, "--filter", strings.Join(sel.names, "|"))
				}
				argv = append(argv, sel.files...)
				return &Invocation{Argv: argv}, nil
			},
		},
	}
}

// javaClassFilters converts selected java paths to surefire -Dtest entries
// "ClassName#method".
func javaClassFilters(sel selection) []string {
	var out []string
	seen := map[string]bool{}
	for i, rel := range selFilesPerNode(sel) {
		class := strings.TrimSuffix(filepath.Base(rel), ".java")
		entry := class + "#" + sel.names[i]
		if !seen[entry] {
			seen[entry] = true
			out = append(out, entry)
		}
	}
	return out
}

// selFilesPerNode returns the file of each selected node, index-aligned
// with sel.names.
func selFilesPerNode(sel selection) []string {
	out := make([]string, len(sel.nodes))
	for i, node := range sel.nodes {
		out[i] = strings.SplitN(node, "::", 2)[0]
	}
	return out
}

func nunitFilter(sel selection) string {
	var parts []string
	for _, name := range sel.names {
		parts = append(parts, "Name="+name)
	}
	return strings.Join(parts, "|")
}

// writeTestNGSuite emits a suite XML with one <include> per selected
// method, grouped by class.
func writeTestNGSuite(path string, sel selection, parallel bool) error {
	byClass := map[string][]string{}
	files := selFilesPerNode(sel)
	var classes []string
	for i, rel := range files {
		class := strings.TrimSuffix(filepath.Base(rel), ".java")
		if _, ok := byClass[class]; !ok {
			classes = append(classes, class)
		}
		byClass[class] = append(byClass[class], sel.names[i])
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	parallelAttr := ""
	if parallel {
		parallelAttr = ` parallel="methods" thread-count="4"`
	}
	fmt.Fprintf(&b, `<suite name="crossbridge"%s>`+"\n", parallelAttr)
	b.WriteString(`  <test name="selected">` + "\n    <classes>\n")
	for _, class := range classes {
		fmt.Fprintf(&b, "      <class name=%q>\n        <methods>\n", class)
		for _, m := range byClass[class] {
			fmt.Fprintf(&b, "          <include name=%q/>\n", m)
		}
		b.WriteString("        </methods>\n      </class>\n")
	}
	b.WriteString("    </classes>\n  </test>\n</suite>\n")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
