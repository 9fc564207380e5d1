//go:build tools

// Package tools pins the code-generation binaries invoked by the
// go:generate directives in vm/, so `go mod tidy` doesn't drop them.
package tools

import (
	_ "golang.org/x/tools/cmd/stringer"
)
