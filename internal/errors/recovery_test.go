package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestSafely_ReturnsError(t *testing.T) {
	want := stderrors.New("plain failure")
	if err := Safely(func() error { return want }); err != want {
		t.Errorf("Safely() = %v, want %v", err, want)
	}
	if err := Safely(func() error { return nil }); err != nil {
		t.Errorf("Safely() = %v, want nil", err)
	}
}

func TestSafely_RecoversPanic(t *testing.T) {
	err := Safely(func() error {
		panic("callback exploded")
	})

	pe, ok := AsPanic(err)
	if !ok {
		t.Fatalf("Safely() = %v, want PanicError", err)
	}
	if pe.Value != "callback exploded" {
		t.Errorf("Value = %v", pe.Value)
	}
	if !strings.Contains(pe.Stacktrace, "TestSafely_RecoversPanic") {
		t.Error("stack trace does not include the panicking function")
	}
}

func TestAsPanic_Wrapped(t *testing.T) {
	inner := Safely(func() error { panic(42) })
	wrapped := fmt.Errorf("firing failed: %w", inner)

	if _, ok := AsPanic(wrapped); !ok {
		t.Error("AsPanic did not find wrapped PanicError")
	}
	if _, ok := AsPanic(stderrors.New("x")); ok {
		t.Error("AsPanic matched a plain error")
	}
}

func TestFormatPanicForLog(t *testing.T) {
	out := FormatPanicForLog(&PanicError{Value: "boom", Stacktrace: "goroutine 1"})
	if !strings.HasPrefix(out, "PANIC: boom") || !strings.Contains(out, "goroutine 1") {
		t.Errorf("FormatPanicForLog() = %q", out)
	}
}
