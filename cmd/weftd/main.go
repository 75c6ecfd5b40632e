// Command weftd is the daemon entrypoint: it loads configuration,
// wires the orchestration core's collaborators together, and serves
// the reference HTTP+WS transport over internal/controlplane.
//
// Grounded on Alphie's cmd/alphie/root.go (a cobra root command with a
// version flag, subcommands registered in init, os.Exit(1) on error).
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
