package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestFprint(t *testing.T) {
	Version, Commit = "v1.2.3", "abc123"
	var buf bytes.Buffer
	Fprint(&buf)
	out := buf.String()
	for _, want := range []string{"v1.2.3", "abc123", "Build Time:", "Go:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if got := Short(); got != "xlink v1.2.3 (abc123)" {
		t.Errorf("Short() = %q", got)
	}
}
