package main

import (
	"fmt"
	"os"

	"github.com/fentz26/coderelay/internal/controlplane"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coderelay",
	Short: "coderelay - REST facade over an AI pair-programming agent",
	Long: `coderelay exposes an AI pair-programming agent (aider) over HTTP. Each request
runs the agent in a workspace, collects what it produced and packages it as a zip
archive that can be shipped to remote storage.`,
	Version:       controlplane.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:5000", "API server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
