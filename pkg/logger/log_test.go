package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at default level, got %q", buf.String())
	}

	l.SetLogLevel("DEBUG")
	l.Debug("shown", "k", "v")
	out := buf.String()
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.Contains(out, "timestamp=") {
		t.Errorf("expected renamed time key, got %q", out)
	}

	l.SetLogLevel("bogus")
	buf.Reset()
	l.Debug("still shown")
	if buf.Len() == 0 {
		t.Error("unknown level name must not change the level")
	}
}

func TestWithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	child := l.With("conn", "c1")

	l.SetLogLevel("info")
	child.Info("hello")
	if !strings.Contains(buf.String(), "conn=c1") {
		t.Fatalf("child logger lost its attributes: %q", buf.String())
	}
}
