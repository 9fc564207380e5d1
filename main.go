package main

import (
	"os"

	"github.com/golox-lang/golox/cmd"
)

func main() {
	if err := cmd.App().Execute(); err != nil {
		os.Exit(1)
	}
}
