// Package redact implements an optional post-processing pass over a captured
// value tree, masking fields and values that look like credentials. Grounded
// on the teacher SDK's scanForSecurityIssues and the original's Flask
// integration header redaction; this is a supplemental feature beyond the
// distilled spec (see SPEC_FULL.md "Supplemented Features").
package redact

import (
	"regexp"
	"strings"

	"github.com/aivorynet/agent-go/capture"
)

const mask = "***REDACTED***"

var sensitiveNamePattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|credential|authorization)`)

var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Za-z0-9_\-]{20,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}$`), // jwt-shaped
	regexp.MustCompile(`^sk-[A-Za-z0-9]{20,}$`),                                            // api-key-shaped
	regexp.MustCompile(`^\d{13,19}$`),                                                      // credit-card-shaped
}

// Tree walks a CapturedValue tree in place, replacing the Value string of
// any node whose Name matches a sensitive-field heuristic, or whose leaf
// Value matches a sensitive-value pattern, with a fixed mask. The tree shape
// (Children/ArrayElements/IsTruncated) is never altered.
func Tree(node *capture.CapturedValue) {
	if node == nil {
		return
	}
	if sensitiveNamePattern.MatchString(node.Name) || looksSensitive(node.Value) {
		node.Value = mask
	}
	for _, child := range node.Children {
		Tree(child)
	}
	for _, el := range node.ArrayElements {
		Tree(el)
	}
}

func looksSensitive(v string) bool {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return false
	}
	for _, p := range sensitiveValuePatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}
