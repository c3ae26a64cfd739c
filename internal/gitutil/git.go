// Package gitutil reads the changeset the orchestrator feeds into test
// selection. It shells out to git with explicit argv, never a shell string.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the full git invocation context for diagnostics.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Auto-maintenance is disabled so diff snapshots stay deterministic and
	// no background helper processes outlive the orchestrator.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// HeadSHA returns the current HEAD commit.
func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles returns the paths changed between baseRef and the working
// tree, repo-relative. Uncommitted changes are included so CI and local
// runs see the same selection inputs.
func ChangedFiles(dir, baseRef string) ([]string, error) {
	args := []string{"diff", "--name-only"}
	if strings.TrimSpace(baseRef) != "" {
		args = append(args, baseRef)
	}
	out, _, err := runGit(dir, args...)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// MergeBase resolves the fork point between baseRef and HEAD. Selection
// diffs against the merge base so commits already on the base branch do
// not count as changes.
func MergeBase(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "merge-base", baseRef, "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedFilesAgainstBranch diffs against the merge base of baseRef,
// falling back to a plain diff when the merge base cannot be resolved
// (shallow clones, detached CI checkouts).
func ChangedFilesAgainstBranch(dir, baseRef string) ([]string, error) {
	if strings.TrimSpace(baseRef) == "" {
		return ChangedFiles(dir, "")
	}
	base, err := MergeBase(dir, baseRef)
	if err != nil {
		return ChangedFiles(dir, baseRef)
	}
	return ChangedFiles(dir, base)
}
