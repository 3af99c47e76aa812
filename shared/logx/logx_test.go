package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestLoggerWritesEventAndMsg(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, "api", "test", "v1", "info").With(slog.String("component", "allocator"))
	l.Warn(context.Background(), "lock_busy", "lock held elsewhere", Err("ABORTED", errors.New("busy"))...)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if line["event"] != "lock_busy" || line["msg"] != "lock held elsewhere" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["component"] != "allocator" || line["error_code"] != "ABORTED" || line["version"] != "v1" {
		t.Fatalf("missing attributes: %v", line)
	}
}

func TestDebugFilteredAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, "api", "test", "", "info")
	l.Debug(context.Background(), "noise", "ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be filtered, got %s", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	l.Info(context.Background(), "event", "msg")
	Nop().Error(context.Background(), "event", "msg")
}
