// Package result defines the reported operation outcome used across the engine.
package result

import "fmt"

// Result is the outcome of a user-facing operation. Failures are reported,
// not thrown: low-level errors are folded into Message at the boundary.
type Result struct {
	IsOK    bool   `json:"isOK"`
	Message string `json:"message"`
}

// OK returns a successful result.
func OK() Result {
	return Result{IsOK: true}
}

// Fail returns a failed result with the given message.
func Fail(message string) Result {
	return Result{IsOK: false, Message: message}
}

// Failf returns a failed result with a formatted message.
func Failf(format string, args ...any) Result {
	return Result{IsOK: false, Message: fmt.Sprintf(format, args...)}
}

// FailErr returns a failed result carrying the error's message.
func FailErr(err error) Result {
	if err == nil {
		return Fail("unknown error")
	}
	return Result{IsOK: false, Message: err.Error()}
}
