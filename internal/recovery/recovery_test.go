package recovery

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "reader")
		panic("boom")
	}()
	wg.Wait()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, "goroutine=reader") {
		t.Errorf("log output = %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("log output missing panic value: %q", out)
	}
}

func TestRecoverWithLogNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %q", buf.String())
	}
}

func TestRecoverWithCallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sentinel := errors.New("desync")

	var got error
	func() {
		defer RecoverWithCallback(logger, "loop", func(err error) { got = err })
		panic(sentinel)
	}()

	if !errors.Is(got, ErrPanic) || !errors.Is(got, sentinel) {
		t.Errorf("callback error = %v, want ErrPanic wrapping sentinel", got)
	}

	called := false
	func() {
		defer RecoverWithCallback(logger, "loop", func(error) { called = true })
	}()
	if called {
		t.Error("callback invoked without a panic")
	}

	// nil callback and nil logger are tolerated
	func() {
		defer RecoverWithCallback(nil, "loop", nil)
		panic("ignored")
	}()
}

func TestAsError(t *testing.T) {
	err := AsError(42)
	if !errors.Is(err, ErrPanic) {
		t.Errorf("AsError() = %v, want ErrPanic", err)
	}
	if !strings.Contains(err.Error(), "42") {
		t.Errorf("AsError() = %q, want value in message", err)
	}
}
