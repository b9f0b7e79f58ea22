// Package main implements the repomon CLI: rate-limit-aware secret
// scanning across GitHub and GitLab organizations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	// configPath is the YAML config file location.
	configPath string
	// logLevel overrides the configured log level when set.
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repomon",
	Short: "Credential scanning across git hosting organizations",
	Long: `repomon discovers every repository of the configured organizations,
detects which ones changed since the last run, and scans them for
leaked credentials with rotating API tokens and bounded concurrency.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "repomon.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repomon %s (%s)\n", version, gitCommit)
	},
}
