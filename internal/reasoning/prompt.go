package reasoning

import (
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n(.*?)```")

// ExtractCode returns the body of the first fenced code block in a reply.
// Replies without a non-empty block report ok=false.
func ExtractCode(reply string) (string, bool) {
	m := fencedBlock.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	code := strings.TrimSpace(m[1])
	if code == "" {
		return "", false
	}
	return code + "\n", true
}

// Explanation strips every fenced block from a reply and returns what is
// left, which is the model talking about its change.
func Explanation(reply string) string {
	return strings.TrimSpace(fencedBlock.ReplaceAllString(reply, ""))
}

func clamp(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

func testPrompt(req Request, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a security engineer validating a scanner report.\n")
	fmt.Fprintf(&b, "Reported issue: %s (severity %s) in %s at line %d.\n", req.Category, req.Severity, req.FilePath, req.LineNumber)
	if req.Description != "" {
		fmt.Fprintf(&b, "Scanner message: %s\n", clamp(req.Description, limit))
	}
	fmt.Fprintf(&b, "\nThe code under test will be saved as %s.py in the same directory as your test:\n\n", req.ModuleName)
	fmt.Fprintf(&b, "```python\n%s\n```\n\n", clamp(req.SourceCode, limit))
	fmt.Fprintf(&b, "Write a pytest test file that proves the reported vulnerability by asserting the safe behavior.\n")
	fmt.Fprintf(&b, "Rules:\n")
	fmt.Fprintf(&b, "- import the code under test as `import %s` or `from %s import ...`\n", req.ModuleName, req.ModuleName)
	fmt.Fprintf(&b, "- the test must FAIL while the vulnerability is present and PASS once it is fixed\n")
	fmt.Fprintf(&b, "- no network access, no files outside the working directory\n")
	fmt.Fprintf(&b, "- reply with exactly one fenced python code block and nothing else\n")
	if req.Diagnostic != "" {
		fmt.Fprintf(&b, "\nA previous attempt failed:\n%s\nDo not repeat that mistake.\n", clamp(req.Diagnostic, limit))
	}
	return b.String()
}

func fixPrompt(req Request, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a security engineer fixing a confirmed %s vulnerability (severity %s) in %s at line %d.\n", req.Category, req.Severity, req.FilePath, req.LineNumber)
	if req.Description != "" {
		fmt.Fprintf(&b, "Scanner message: %s\n", clamp(req.Description, limit))
	}
	fmt.Fprintf(&b, "\nVulnerable module (%s.py):\n\n```python\n%s\n```\n\n", req.ModuleName, clamp(req.SourceCode, limit))
	fmt.Fprintf(&b, "Proof test that currently fails against it:\n\n```python\n%s\n```\n\n", clamp(req.TestCode, limit))
	fmt.Fprintf(&b, "Rewrite the module so the proof test passes while legitimate behavior is preserved.\n")
	fmt.Fprintf(&b, "Rules:\n")
	fmt.Fprintf(&b, "- keep every existing function, class and constant name\n")
	fmt.Fprintf(&b, "- return the complete fixed module in one fenced python code block\n")
	fmt.Fprintf(&b, "- after the code block, explain the change in one short paragraph\n")
	if req.Diagnostic != "" {
		fmt.Fprintf(&b, "\nA previous fix attempt was rejected:\n%s\nAddress that failure.\n", clamp(req.Diagnostic, limit))
	}
	return b.String()
}
