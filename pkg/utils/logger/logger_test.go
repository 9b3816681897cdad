package logger

import (
	"context"
	"testing"

	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	SetGlobal(NewWithZap(zap.New(core)))
	defer SetGlobal(prev)

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.SubmissionID, "sub-1")
	Info(ctx, "case finished", zap.Int("case", 2))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "trace-1" {
		t.Fatalf("expected trace_id trace-1, got %v", fields["trace_id"])
	}
	if fields["submission_id"] != "sub-1" {
		t.Fatalf("expected submission_id sub-1, got %v", fields["submission_id"])
	}
	if fields["case"] != int64(2) {
		t.Fatalf("expected case field 2, got %v", fields["case"])
	}
}

func TestNilGlobalLoggerIsSilent(t *testing.T) {
	prev := globalLogger
	SetGlobal(nil)
	defer SetGlobal(prev)

	Warn(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("expected nil sync error, got %v", err)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
