// Package main is the entry point for the kafpage CLI.
package main

import (
	"os"

	"github.com/KafClaw/KafPage/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
