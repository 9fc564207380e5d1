package debug

import "fmt"

// DEBUG gates internal consistency assertions. It stays false in normal
// operation; flip it locally when chasing a compiler/VM invariant violation.
const DEBUG = false

func Assertf(b bool, format string, a ...any) {
	if DEBUG && !b {
		panic(fmt.Sprintf(format, a...))
	}
}

func AssertEq[T comparable](expected, got T) { Assertf(expected == got, "%v != %v", expected, got) }
