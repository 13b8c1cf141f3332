//go:build debug

// Package check provides programmer-invariant assertions that panic in
// debug builds and compile away in release builds.
package check

import "fmt"

// Assert panics with msg if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("invariant violated: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
