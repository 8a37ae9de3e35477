package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func newBufferLogger() (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := &Logger{
		output:     buf,
		level:      DEBUG,
		component:  "test",
		fields:     make(map[string]interface{}),
		jsonFormat: true,
	}
	return l, buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log entry: %v", err)
	}
	return entry
}

func TestKeyValueArgsBecomeFields(t *testing.T) {
	l, buf := newBufferLogger()
	l.Info("order filled", "symbol", "SPY", "quantity", 222)

	entry := lastEntry(t, buf)
	if entry.Message != "order filled" {
		t.Errorf("unexpected message %q", entry.Message)
	}
	if entry.Fields["symbol"] != "SPY" {
		t.Errorf("expected symbol field, got %v", entry.Fields["symbol"])
	}
	if entry.Fields["quantity"] != float64(222) {
		t.Errorf("expected quantity field, got %v", entry.Fields["quantity"])
	}
}

func TestMessageIsNeverAFormatString(t *testing.T) {
	l, buf := newBufferLogger()
	l.Info("filled 100% of size", "symbol", "SPY")

	entry := lastEntry(t, buf)
	if entry.Message != "filled 100% of size" {
		t.Errorf("message must pass through untouched, got %q", entry.Message)
	}
}

func TestErrorValuesStringified(t *testing.T) {
	l, buf := newBufferLogger()
	l.Error("save failed", "error", errors.New("connection refused"))

	entry := lastEntry(t, buf)
	if entry.Fields["error"] != "connection refused" {
		t.Errorf("expected stringified error, got %v", entry.Fields["error"])
	}
}

func TestDanglingArgLandsUnderExtra(t *testing.T) {
	l, buf := newBufferLogger()
	l.Warn("odd arguments", "symbol", "SPY", 42)

	entry := lastEntry(t, buf)
	if entry.Fields["extra"] != float64(42) {
		t.Errorf("expected dangling value under extra, got %v", entry.Fields["extra"])
	}
}

func TestLevelFilters(t *testing.T) {
	l, buf := newBufferLogger()
	l.level = WARN
	l.Info("below threshold")
	if buf.Len() != 0 {
		t.Errorf("INFO below a WARN threshold must not write, got %q", buf.String())
	}
}
