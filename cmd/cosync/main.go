// Package main is the entry point for the cosync client.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/cosync/internal/prompt"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
	registry    string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "cosync",
	Short: "Real-time collaborative sync for a local directory",
	Long: `cosync mirrors a local directory into a shared workspace and keeps it in
sync with every other connected client.

Edits made by collaborators are patched into your files as they happen, and
your own saves are sent back the same way.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to configuration file (default ~/.cosync/config.toml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFile, "log-file", "", "write logs to this file instead of stderr")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&flags.registry, "registry", "", "path to the local workspace registry")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "info", Title: "Information Commands:"},
	)
	rootCmd.AddCommand(joinCmd, shareCmd, recentCmd, versionCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, prompt.ErrAborted) {
			fmt.Fprintln(os.Stderr, renderWarn("aborted"))
			return 130
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		return 1
	}
	return 0
}
