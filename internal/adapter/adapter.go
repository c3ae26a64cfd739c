// Package adapter bridges the orchestrator to native test framework CLIs:
// it discovers tests, synthesizes the framework invocation, spawns the
// process, and parses the framework's own report files. Stdout is never
// parsed for results; reports are the only source of truth.
package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Invocation is the synthesized native CLI call. Argv is passed to the OS
// directly; there is no shell involved.
type Invocation struct {
	Argv []string
	Env  []string // appended to the inherited environment
	Dir  string
}

// Options carries per-run knobs into command synthesis.
type Options struct {
	Parallel        bool
	ArtifactsDir    string // run-scoped directory for reports and captured output
	SidecarEndpoint string // empty when observer mode is off
}

// Adapter is the per-framework capability set.
type Adapter interface {
	Tag() string
	Extensions() []string
	ParallelCapable() bool
	ReportFormat() string

	// Discover enumerates tests deterministically as
	// "<framework>::<path-relative-to-workspace>::<test-name>".
	Discover(workspace string) ([]string, error)

	// Command synthesizes the native invocation for the plan. The workspace
	// is read-only by contract; all outputs go to opts.ArtifactsDir.
	Command(plan *model.ExecutionPlan, workspace string, opts Options) (*Invocation, error)

	// ParseResult reads the framework's report files from opts.ArtifactsDir
	// and classifies each selected test.
	ParseResult(plan *model.ExecutionPlan, workspace string, opts Options) (*model.ExecutionResult, error)
}

// Registry maps framework tags to adapters, registered explicitly at
// startup.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Tag()] = a
}

func (r *Registry) Get(tag string) (Adapter, bool) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(tag))]
	return a, ok
}

func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// TestID joins the canonical id triple.
func TestID(framework, relPath, name string) string {
	return framework + "::" + relPath + "::" + name
}

// SplitTestID parses a canonical test id back into its parts.
func SplitTestID(id string) (framework, relPath, name string, err error) {
	parts := strings.SplitN(id, "::", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed test id %q", id)
	}
	return parts[0], parts[1], parts[2], nil
}

// observerEnv is the environment every adapter injects when the sidecar is
// listening.
func observerEnv(opts Options) []string {
	env := []string{"CROSSBRIDGE_ENABLED=true"}
	if opts.SidecarEndpoint != "" {
		env = append(env, "CROSSBRIDGE_SIDECAR_ENDPOINT="+opts.SidecarEndpoint)
	}
	return env
}
