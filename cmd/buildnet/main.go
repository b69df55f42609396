package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var serverAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("BuildNet version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var rootCmd = &cobra.Command{
	Use:   "buildnet",
	Short: "BuildNet - distributed build orchestration master",
	Long: `BuildNet coordinates distributed builds across a pool of workers.

The master daemon keeps a double-entry audit ledger of every state change,
watches the source tree for changes, schedules micro-bundles onto workers,
and serves a JSON API with live dashboard streaming.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"BuildNet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server",
		"http://127.0.0.1:8080", "daemon API base URL")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}
