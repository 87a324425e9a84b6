package main

import (
	"os"

	"github.com/psantana5/media-overseer/cmd/overseer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
