package admission

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError carries a recovered panic value with a trimmed stack.
type PanicError struct {
	Where string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CapturePanic is meant to be deferred. It turns a panic into a *PanicError
// stored in errp.
func CapturePanic(where string, errp *error) {
	if r := recover(); r != nil {
		*errp = newPanicError(where, r)
	}
}

func newPanicError(where string, value any) *PanicError {
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	return &PanicError{
		Where: where,
		Value: value,
		Stack: cleanStackTrace(stack[:n]),
	}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the runtime frames up to and including the panic() call
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
