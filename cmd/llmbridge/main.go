package main

import (
	"os"

	"github.com/nvkh/llmbridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
