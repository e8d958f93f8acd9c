// Package main provides the kfuse command line tool.
package main

import (
	"os"

	"github.com/born-ml/kfuse/cmd/kfuse/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
