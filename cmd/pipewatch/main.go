package main

import (
	"os"

	"github.com/psantana5/pipewatch/cmd/pipewatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
