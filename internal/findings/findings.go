// Package findings normalizes detection verdicts from external scanners
// into the candidate set a session is built from. It never runs detection
// itself.
package findings

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"fixline/internal/domain"
)

var cweRegex = regexp.MustCompile(`CWE-(\d+)\b`)

// cweCategories maps CWE identifiers to the categories the engine handles.
var cweCategories = map[string]string{
	"89":  "sql_injection",
	"564": "sql_injection",
	"79":  "xss",
	"80":  "xss",
	"352": "csrf",
	"259": "hardcoded_secret",
	"798": "hardcoded_secret",
	"77":  "command_injection",
	"78":  "command_injection",
	"22":  "path_traversal",
	"23":  "path_traversal",
	"287": "authentication_bypass",
	"306": "authentication_bypass",
	"502": "insecure_deserialization",
}

var ruleHints = []struct {
	needle   string
	category string
}{
	{"sqli", "sql_injection"},
	{"sql-injection", "sql_injection"},
	{"sql_injection", "sql_injection"},
	{"tainted-sql", "sql_injection"},
	{"xss", "xss"},
	{"cross-site-scripting", "xss"},
	{"csrf", "csrf"},
	{"hardcoded", "hardcoded_secret"},
	{"secret", "hardcoded_secret"},
	{"command-injection", "command_injection"},
	{"command_injection", "command_injection"},
	{"dangerous-subprocess", "command_injection"},
	{"os-command", "command_injection"},
	{"path-traversal", "path_traversal"},
	{"path_traversal", "path_traversal"},
	{"directory-traversal", "path_traversal"},
	{"auth", "authentication_bypass"},
	{"deserial", "insecure_deserialization"},
	{"pickle", "insecure_deserialization"},
	{"yaml-load", "insecure_deserialization"},
}

// Normalize validates an externally supplied finding and fills defaults.
// The category must be one the engine knows how to remediate.
func Normalize(f domain.Finding) (domain.Finding, error) {
	f.FilePath = strings.TrimSpace(f.FilePath)
	if f.FilePath == "" {
		return f, fmt.Errorf("finding missing file_path")
	}
	if f.LineNumber < 1 {
		return f, fmt.Errorf("finding %s: line_number must be >= 1", f.FilePath)
	}
	f.Category = strings.ToLower(strings.TrimSpace(f.Category))
	if !validCategory(f.Category) {
		return f, fmt.Errorf("finding %s:%d: unknown category %q", f.FilePath, f.LineNumber, f.Category)
	}
	f.Severity = strings.ToLower(strings.TrimSpace(f.Severity))
	if f.Severity == "" {
		f.Severity = "medium"
	}
	if !validSeverity(f.Severity) {
		return f, fmt.Errorf("finding %s:%d: unknown severity %q", f.FilePath, f.LineNumber, f.Severity)
	}
	return f, nil
}

func validCategory(c string) bool {
	for _, known := range domain.Categories() {
		if c == known {
			return true
		}
	}
	return false
}

func validSeverity(s string) bool {
	for _, known := range domain.Severities() {
		if s == known {
			return true
		}
	}
	return false
}

// FromSARIF extracts remediable findings from a SARIF report. Suppressed
// results and results whose rule cannot be mapped to a known category are
// dropped; the second return value counts the dropped results.
func FromSARIF(data []byte) ([]domain.Finding, int, error) {
	var report sarif.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, 0, fmt.Errorf("parse sarif: %w", err)
	}
	if len(report.Runs) == 0 {
		return nil, 0, fmt.Errorf("sarif report has no runs")
	}

	var out []domain.Finding
	skipped := 0
	for _, run := range report.Runs {
		rulesByID := map[string]*sarif.ReportingDescriptor{}
		if run.Tool.Driver != nil {
			for _, rule := range run.Tool.Driver.Rules {
				if rule == nil {
					continue
				}
				rulesByID[rule.ID] = rule
			}
		}
		for _, res := range run.Results {
			if res == nil || len(res.Suppressions) > 0 {
				continue
			}
			ruleID := ""
			if res.RuleID != nil {
				ruleID = *res.RuleID
			}
			rule := rulesByID[ruleID]

			category := MapCategory(ruleID, ruleTags(rule))
			if category == "" {
				skipped++
				continue
			}
			filePath, line, snippet := firstLocation(res)
			if filePath == "" || line < 1 {
				skipped++
				continue
			}
			out = append(out, domain.Finding{
				Category:     category,
				Severity:     resultSeverity(res, rule),
				FilePath:     filePath,
				LineNumber:   line,
				Description:  resultDescription(res, rule),
				OriginalCode: snippet,
			})
		}
	}
	return Dedup(out), skipped, nil
}

// MapCategory resolves a scanner rule to an engine category via CWE tags
// first, then rule id substrings. Returns "" when nothing matches.
func MapCategory(ruleID string, tags []string) string {
	for _, tag := range tags {
		if m := cweRegex.FindStringSubmatch(tag); len(m) == 2 {
			if category, ok := cweCategories[m[1]]; ok {
				return category
			}
		}
	}
	lowered := strings.ToLower(ruleID)
	for _, hint := range ruleHints {
		if strings.Contains(lowered, hint.needle) {
			return hint.category
		}
	}
	return ""
}

func ruleTags(rule *sarif.ReportingDescriptor) []string {
	if rule == nil || rule.Properties == nil {
		return nil
	}
	var tags []string
	switch v := rule.Properties["tags"].(type) {
	case []string:
		tags = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	return tags
}

// resultSeverity prefers the GitHub security-severity score over the SARIF
// level since the score distinguishes critical from high.
func resultSeverity(res *sarif.Result, rule *sarif.ReportingDescriptor) string {
	if rule != nil && rule.Properties != nil {
		if raw, ok := rule.Properties["security-severity"].(string); ok {
			if score, err := strconv.ParseFloat(raw, 64); err == nil {
				switch {
				case score >= 9.0:
					return "critical"
				case score >= 7.0:
					return "high"
				case score >= 4.0:
					return "medium"
				default:
					return "low"
				}
			}
		}
	}
	level := ""
	if res.Level != nil {
		level = *res.Level
	} else if rule != nil && rule.DefaultConfiguration != nil {
		level = rule.DefaultConfiguration.Level
	}
	switch strings.ToLower(level) {
	case "error":
		return "high"
	case "warning":
		return "medium"
	default:
		return "low"
	}
}

func resultDescription(res *sarif.Result, rule *sarif.ReportingDescriptor) string {
	if res.Message.Text != nil && strings.TrimSpace(*res.Message.Text) != "" {
		return strings.TrimSpace(*res.Message.Text)
	}
	if rule != nil && rule.ShortDescription != nil && rule.ShortDescription.Text != nil {
		return strings.TrimSpace(*rule.ShortDescription.Text)
	}
	return ""
}

func firstLocation(res *sarif.Result) (string, int, string) {
	if len(res.Locations) == 0 {
		return "", 0, ""
	}
	loc := res.Locations[0]
	if loc == nil || loc.PhysicalLocation == nil {
		return "", 0, ""
	}
	phys := loc.PhysicalLocation
	path := ""
	if phys.ArtifactLocation != nil && phys.ArtifactLocation.URI != nil {
		path = strings.TrimPrefix(strings.TrimSpace(*phys.ArtifactLocation.URI), "file://")
		path = strings.TrimPrefix(path, "./")
	}
	line := 0
	snippet := ""
	if phys.Region != nil {
		if phys.Region.StartLine != nil {
			line = *phys.Region.StartLine
		}
		if phys.Region.Snippet != nil && phys.Region.Snippet.Text != nil {
			snippet = *phys.Region.Snippet.Text
		}
	}
	return path, line, snippet
}

// Dedup drops findings that repeat an earlier (file, line, category) triple,
// keeping the first occurrence.
func Dedup(in []domain.Finding) []domain.Finding {
	seen := map[string]struct{}{}
	var out []domain.Finding
	for _, f := range in {
		key := fmt.Sprintf("%s:%d:%s", f.FilePath, f.LineNumber, f.Category)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
