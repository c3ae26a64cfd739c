package classifier

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// frameworkExcludeGlobs filter out framework-internal frames so the
// reference points at workspace code, not at pytest or selenium plumbing.
var frameworkExcludeGlobs = []string{
	"**/site-packages/**",
	"**/dist-packages/**",
	"**/node_modules/**",
	"**/_pytest/**",
	"**/selenium/**",
	"**/robot/**",
	"**/org/junit/**",
	"**/java/lang/**",
}

var (
	// File "tests/test_login.py", line 42, in test_valid_login
	pythonFrame = regexp.MustCompile(`File "([^"]+)", line (\d+)(?:, in (\S+))?`)
	// at com.acme.LoginTest.testValid(LoginTest.java:42)
	javaFrame = regexp.MustCompile(`at\s+([\w.$]+)\(([\w.]+\.java):(\d+)\)`)
	// src/checkout.spec.ts:42:13
	genericFrame = regexp.MustCompile(`([\w./-]+\.[A-Za-z]{1,4}):(\d+)`)
)

type stackFrame struct {
	file     string
	line     int
	function string
}

// ResolveCodeReference finds the first stacktrace frame rooted in the
// workspace and returns it with a snippet. Any failure returns nil; the
// resolver never aborts classification.
func ResolveCodeReference(workspace, signature string) *model.CodeReference {
	for _, frame := range extractFrames(signature) {
		abs := frame.file
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workspace, frame.file)
		}
		rel, err := filepath.Rel(workspace, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if excludedFrame(abs) {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		return &model.CodeReference{
			File:     filepath.ToSlash(rel),
			Line:     frame.line,
			Function: frame.function,
			Snippet:  snippetAround(abs, frame.line),
		}
	}
	return nil
}

func extractFrames(signature string) []stackFrame {
	var frames []stackFrame
	for _, m := range pythonFrame.FindAllStringSubmatch(signature, -1) {
		line, _ := strconv.Atoi(m[2])
		frames = append(frames, stackFrame{file: m[1], line: line, function: m[3]})
	}
	for _, m := range javaFrame.FindAllStringSubmatch(signature, -1) {
		line, _ := strconv.Atoi(m[3])
		frames = append(frames, stackFrame{file: javaSourcePath(m[1], m[2]), line: line, function: m[1]})
	}
	if len(frames) == 0 {
		for _, m := range genericFrame.FindAllStringSubmatch(signature, -1) {
			line, _ := strconv.Atoi(m[2])
			frames = append(frames, stackFrame{file: m[1], line: line})
		}
	}
	return frames
}

// javaSourcePath rebuilds "com/acme/LoginTest.java" from the fully
// qualified method and the bare file name in the frame.
func javaSourcePath(qualified, file string) string {
	parts := strings.Split(qualified, ".")
	if len(parts) < 3 {
		return file
	}
	// Drop the method and class segments; the rest is the package path.
	pkg := parts[:len(parts)-2]
	return filepath.Join(filepath.Join(pkg...), file)
}

func excludedFrame(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, glob := range frameworkExcludeGlobs {
		if ok, err := doublestar.Match(glob, slashed); err == nil && ok {
			return true
		}
	}
	return false
}

// snippetAround reads ±5 lines around the target line.
func snippetAround(path string, line int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	lo := line - 6
	if lo < 0 {
		lo = 0
	}
	hi := line + 5
	if hi > len(lines) {
		hi = len(lines)
	}
	return strings.Join(lines[lo:hi], "\n")
}
