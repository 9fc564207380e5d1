package utils

// Box heap-allocates t and returns its address, for building *T fields out
// of a value expression (e.g. Local.depth) without an intermediate variable.
func Box[T any](t T) *T { return &t }
