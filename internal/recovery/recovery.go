// Package recovery provides panic recovery for long-running goroutines.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic wraps a recovered panic value converted to an error.
var ErrPanic = errors.New("panic")

// RecoverWithLog recovers a panic and logs it with its stack.
// Defer it first thing in a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "dispatcher")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers a panic, logs it, and hands the error form of
// the recovered value to callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(err error)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(AsError(r))
		}
	}
}

// AsError converts a recovered value into an error wrapping ErrPanic.
func AsError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, r)
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
