package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "skatepark",
	Short: "skatepark - local structure run supervisor",
	Long: `skatepark registers Python structures on this machine, builds their
isolated environments and runs them as supervised child processes behind
a small HTTP API.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:5000", "API server address")

	// Add subcommands
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(registerCmd, buildCmd, listCmd, removeCmd)
	rootCmd.AddCommand(runCmd, runsCmd, statusCmd, logsCmd, eventsCmd, cancelCmd, patchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
