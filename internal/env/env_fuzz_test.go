package env

import (
	"strings"
	"testing"
)

// FuzzMerge fuzzes Merge with random override sets to ensure no panics and
// that output is always well-formed KEY=VALUE pairs.
func FuzzMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=2"))
	f.Add([]byte(""))
	f.Add([]byte("FOO=bar\nFOO=baz"))

	f.Fuzz(func(t *testing.T, overrideB []byte) {
		overrides := splitNZ(string(overrideB))
		if len(overrides) > 20 {
			overrides = overrides[:20]
		}
		out := New().Merge(overrides)
		for _, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
