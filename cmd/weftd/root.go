package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "weftd",
	Short:   "Orchestration core of the weft multi-agent workflow engine",
	Version: version,
	Long: `weftd decomposes an objective into a DAG of tasks and dispatches
concurrent LLM-agent workers, each in its own git worktree, through QA
gates and trunk merges, with Phoenix retry and human-in-the-loop
escalation on repeated failure.

Available commands:
  serve    Run the daemon: control plane + HTTP/WS transport
  version  Print the version number

Use "weftd [command] --help" for more information about a command.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("weftd version %s\n", version)
	},
}

func printStatus(label, value string) {
	fmt.Printf("  %s %s\n", color.New(color.FgGreen).Sprint("✓"), fmt.Sprintf("%-20s %s", label, value))
}
