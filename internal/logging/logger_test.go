package logging

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNopLoggerDiscardsOutput(t *testing.T) {
	//1.- A discard logger must never panic even without a configured writer.
	logger := NewTestLogger()
	logger.Info("hello", String("component", "tracker"))
	logger.With(Int("n", 1)).Warn("gap detected")
}

func TestLoggerWithMergesFields(t *testing.T) {
	var buf strings.Builder
	logger := &Logger{level: DebugLevel, writer: &captureWriter{&buf}, fields: map[string]any{"service": "advsub"}}
	derived := logger.With(String("source_id", "zid-1"))
	derived.Info("delivered", Int64("sn", 4))

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &payload); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if payload["service"] != "advsub" || payload["source_id"] != "zid-1" || payload["message"] != "delivered" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

type captureWriter struct{ b *strings.Builder }

func (c *captureWriter) Write(p []byte) (int, error) { return c.b.Write(p) }
func (c *captureWriter) Sync() error                 { return nil }
