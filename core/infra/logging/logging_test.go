package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoFormat(t *testing.T) {
	buf := capture(t)
	Info("gateway", "connected", "conn", "abc", "count", 2)
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[GATEWAY] connected") || !strings.Contains(got, "conn=abc") || !strings.Contains(got, "count=2") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorFormat(t *testing.T) {
	buf := capture(t)
	Error("ingest", "boom", "code", 500)
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[INGEST] ERROR boom") || !strings.Contains(got, "code=500") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestFields(t *testing.T) {
	out := fields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := fields(); out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
}

func TestStringifyFlattensWhitespace(t *testing.T) {
	if got := stringify(struct{ A string }{"x\ny"}); strings.Contains(got, "\n") {
		t.Fatalf("newline not flattened: %q", got)
	}
	if got := stringify("raw\nstring"); got != "raw\nstring" {
		t.Fatalf("string values must pass through untouched: %q", got)
	}
}
