package errorsink

import (
	"regexp"
	"strings"
)

// rule is one entry of the categorization table. Rules are tried in
// declaration order and the first match wins; this table must stay a slice,
// never a map, so that order is never silently reshuffled by the runtime.
type rule struct {
	kind     string
	patterns []string
	critical bool
}

// rules mirrors the specification's ordered categorization table exactly.
var rules = []rule{
	{kind: "OutOfMemory", critical: true, patterns: []string{"ENOMEM", "out of memory", "heap out of memory"}},
	{kind: "PermissionDenied", critical: true, patterns: []string{"EACCES", "permission denied", "access denied"}},
	{kind: "FileNotFound", patterns: []string{"ENOENT", "no such file", "file not found"}},
	{kind: "ConnectionError", patterns: []string{"ECONNREFUSED", "ETIMEDOUT", "connection refused", "connection timeout"}},
	{kind: "SyntaxError", patterns: []string{"SyntaxError", "unexpected token", "parsing error"}},
	{kind: "TypeError", patterns: []string{"TypeError", "undefined is not", "cannot read property"}},
	{kind: "NetworkError", patterns: []string{"EHOSTUNREACH", "ENETUNREACH", "network unreachable"}},
	{kind: "DiskSpace", critical: true, patterns: []string{"ENOSPC", "no space left", "disk full"}},
}

// isUpperCode reports whether p is an all-caps errno-style code
// ("ENOMEM", "EACCES", ...), which is matched at a word boundary so e.g.
// "eacces" inside a longer identifier does not spuriously match.
func isUpperCode(p string) bool {
	for _, r := range p {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return len(p) > 0
}

func matches(msg, pattern string) bool {
	if isUpperCode(pattern) {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(pattern) + `\b`)
		return re.MatchString(msg)
	}
	return strings.Contains(strings.ToLower(msg), strings.ToLower(pattern))
}

// classify returns the kind for msg and whether that kind is critical. When
// no rule matches, a leading "Name:" prefix (before the first colon) is
// used as the kind; otherwise it falls back to UnknownError.
func classify(msg string) (kind string, critical bool) {
	for _, r := range rules {
		for _, p := range r.patterns {
			if matches(msg, p) {
				return r.kind, r.critical
			}
		}
	}
	if i := strings.IndexByte(msg, ':'); i > 0 {
		prefix := strings.TrimSpace(msg[:i])
		if prefix != "" && !strings.ContainsAny(prefix, " \t\n") {
			return prefix, false
		}
	}
	return "UnknownError", false
}
