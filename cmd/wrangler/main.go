// Package main provides the entry point for the wrangler CLI.
package main

import (
	"os"

	"github.com/mbarlow/wrangler/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
