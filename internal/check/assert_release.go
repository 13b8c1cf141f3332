//go:build !debug

// Package check provides programmer-invariant assertions that panic in
// debug builds and compile away in release builds.
package check

// Assert does nothing in release builds.
func Assert(_ bool, _ string) {}

// Assertf does nothing in release builds.
func Assertf(_ bool, _ string, _ ...any) {}
