package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_ComponentPrefixAndFields(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	logger := slog.New(newPrettyHandler(&buf, lv, false))
	logger = NewComponentLogger(logger, "delivery")

	logger.Info("event sent", Int64(FieldEventID, 7), String("name", "Ada Lovelace"))

	line := buf.String()
	if !strings.Contains(line, "INFO  delivery: event sent") {
		t.Errorf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, "event_id=7") {
		t.Errorf("missing event_id: %q", line)
	}
	if !strings.Contains(line, `name="Ada Lovelace"`) {
		t.Errorf("expected quoted value: %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should be rendered as prefix only: %q", line)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := slog.New(newPrettyHandler(&buf, lv, false))

	logger.Info("hidden")
	logger.Warn("shown", Error(errors.New("boom")))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, `error="boom"`) {
		t.Errorf("expected error attr: %q", out)
	}
}

func TestJSONHandler_Keys(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	logger := slog.New(newJSONHandler(&buf, lv, false))
	logger.Info("hello", String("k", "v"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["ts"]; !ok {
		t.Error("expected ts key")
	}
	if m["level"] != "info" {
		t.Errorf("expected level=info, got %v", m["level"])
	}
	if m["msg"] != "hello" || m["k"] != "v" {
		t.Errorf("unexpected record: %v", m)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
