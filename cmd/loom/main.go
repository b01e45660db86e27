// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Command loom is the CLI for working with group descriptor files.
package main

import (
	"os"

	"github.com/loomkit/loom/logging"
)

func main() {
	logging.SetDefault("loom", "dev", logging.WithFormat("text"))

	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
