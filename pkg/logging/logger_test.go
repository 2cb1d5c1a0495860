package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesToStdoutWithoutError(t *testing.T) {
	logger, err := New("test", zapcore.InfoLevel, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello", Fields{"key": "value"})
	if err := logger.Sync(); err != nil {
		t.Logf("Sync() error = %v (expected for stdout on some platforms)", err)
	}
}

func TestWithComponentDoesNotMutateParent(t *testing.T) {
	logger := NewNop()
	child := logger.WithComponent("engine")
	if child.component != "engine" {
		t.Errorf("child component = %q, want engine", child.component)
	}
	if logger.component == "engine" {
		t.Error("WithComponent mutated the parent logger's component")
	}
}

func TestWithPeerIDReturnsDerivedLogger(t *testing.T) {
	logger := NewNop()
	scoped := logger.WithPeerID("0x1")
	if scoped == logger {
		t.Error("WithPeerID() returned the same logger instance")
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	logger := NewNop()
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}
