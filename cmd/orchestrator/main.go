package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "orchestrator",
		Short: "MCP Orchestrator - LLM-driven test execution manager",
		Long: `MCP Orchestrator queues natural-language test tasks for execution by an
LLM-driven agent against a fixed pool of remote MCP sessions. It manages
ad-hoc streaming tasks, batches of persisted test runs, cancellation and
crash recovery.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
