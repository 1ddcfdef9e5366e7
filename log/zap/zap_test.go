package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/kvcache"
)

func TestLoggerFieldsAndLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Warn("listener failed", kvcache.Fields{"key": "k", "err": errors.New("boom"), "cache": "users"})
	l.Debug("dbg", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "listener failed" || e.LoggerName != "kvcache" {
		t.Fatalf("unexpected entry: %+v", e.Entry)
	}
	ctx := e.ContextMap()
	if ctx["key"] != "k" || ctx["cache"] != "users" || ctx["err"] != "boom" {
		t.Fatalf("fields: %v", ctx)
	}
	if got := e.Context[0].Key; got != "cache" {
		t.Fatalf("fields not sorted, first=%s", got)
	}
	if entries[1].Level != zapcore.DebugLevel || len(entries[1].Context) != 0 {
		t.Fatalf("debug entry: %+v", entries[1])
	}
}
