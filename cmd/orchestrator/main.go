// Package main provides the CLI entry point for the orchestrator: the
// LLM streaming gateway, MCP connectivity layer, and workflow/automation
// execution engine wired together as a single process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Agentic-chat orchestration backend",
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd(), buildConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
