package logging

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("store.list", "req-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorUnwrapsAndFormats(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("outer: %w", NewOperationError("store.list", "req-1", base))

	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}
	op, ok := OperationOf(err)
	if !ok || op != "store.list" {
		t.Fatalf("unexpected operation %q (ok=%t)", op, ok)
	}
	want := "outer: store.list (request_id=req-1): connection refused"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestOperationErrorWithoutRequestID(t *testing.T) {
	err := NewOperationError("grpcclient.dial", "", errors.New("timeout"))
	if err.Error() != "grpcclient.dial: timeout" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"bogus": zapcore.InfoLevel,
	}
	for in, want := range cases {
		logger, err := NewLogger(in)
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", in, err)
		}
		if !logger.Core().Enabled(want) {
			t.Fatalf("NewLogger(%q): level %s not enabled", in, want)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			t.Fatalf("NewLogger(%q): level below %s unexpectedly enabled", in, want)
		}
	}
}
