package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/cosync/internal/persist"
)

var recentFlags struct {
	limit int
	json  bool
}

var recentCmd = &cobra.Command{
	Use:     "recent",
	GroupID: "info",
	Short:   "List recently joined workspaces",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		list, err := e.registry.Recent(context.Background(), recentFlags.limit)
		if err != nil {
			return err
		}
		if recentFlags.json {
			return printRecentJSON(cmd.OutOrStdout(), list)
		}
		printRecent(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	f := recentCmd.Flags()
	f.IntVarP(&recentFlags.limit, "limit", "n", 10, "maximum number of entries")
	f.BoolVar(&recentFlags.json, "json", false, "output JSON")
}

func printRecent(w io.Writer, list []persist.Recent) {
	if len(list) == 0 {
		fmt.Fprintln(w, renderMuted("no recent workspaces"))
		return
	}
	for _, r := range list {
		path := r.Path
		if _, err := os.Stat(path); err != nil {
			path += " " + renderWarn("(missing)")
		}
		fmt.Fprintf(w, "%s\n   %s\n", renderAccent(r.URL), renderMuted(path))
	}
}

func printRecentJSON(w io.Writer, list []persist.Recent) error {
	type entry struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	out := make([]entry, len(list))
	for i, r := range list {
		out[i] = entry{URL: r.URL, Path: r.Path}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
