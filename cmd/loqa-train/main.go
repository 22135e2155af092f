// Package main provides the loqa-train CLI.
//
// Usage:
//
//	loqa-train [--config loqa-dnn.yaml] <command> [flags]
//
// Commands:
//
//	train   - Run the training job with the runtime's health and metrics endpoints
//	probe   - Inspect a partition's manifest and feature dimensions
//	labels  - Manage the label cache
//	runs    - List journaled training runs
//	watch   - Follow progress published on the bus
//	version - Print version
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-dnn/cmd/loqa-train/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
