package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dshills/cosync/internal/session"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: "info",
	Short:   "Print version information",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cosync %s\n", version)
		fmt.Fprintf(out, "Commit:   %s\n", commit)
		fmt.Fprintf(out, "Built:    %s\n", date)
		fmt.Fprintf(out, "Protocol: %s\n", session.ProtocolVersion)
		fmt.Fprintf(out, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
