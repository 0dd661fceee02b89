package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/cosync/internal/api"
	"github.com/dshills/cosync/internal/persist"
)

var joinFlags struct {
	creds credentialFlags
	keep  string
	yes   bool
}

var joinCmd = &cobra.Command{
	Use:     "join [url] [dir]",
	GroupID: "sync",
	Short:   "Join a workspace and keep a directory in sync with it",
	Long: `Join a workspace and mirror it into a local directory.

With no URL, the workspace recorded in the nearest .cosync marker file is
joined. The directory defaults to the marker's directory, or the current
directory when a URL is given.

If the directory differs from the workspace you are asked which side wins,
unless --keep selects one up front.`,
	Example: `  cosync join https://floobits.com/alice/notes ./notes
  cosync join --keep remote`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, root, err := resolveJoinTarget(args)
		if err != nil {
			return err
		}

		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", root, err)
		}
		if _, err := persist.ReadMarker(root); errors.Is(err, persist.ErrNoMarker) {
			if err := persist.WriteMarker(root, markerFor(ws)); err != nil {
				return err
			}
		}

		p, err := prompter(joinFlags.keep, joinFlags.yes)
		if err != nil {
			return err
		}
		creds := joinFlags.creds.resolve(context.Background(), e, ws.Host)
		return runAgent(e, root, ws, creds, false, p)
	},
}

func init() {
	f := joinCmd.Flags()
	addCredentialFlags(joinCmd, &joinFlags.creds)
	f.StringVar(&joinFlags.keep, "keep", "", "resolve conflicts without asking: local or remote")
	f.BoolVarP(&joinFlags.yes, "yes", "y", false, "upload oversized directories without asking")
}

func addCredentialFlags(cmd *cobra.Command, c *credentialFlags) {
	f := cmd.Flags()
	f.StringVarP(&c.username, "username", "u", "", "account username")
	f.StringVar(&c.secret, "secret", "", "account secret")
	f.StringVar(&c.apiKey, "api-key", "", "account API key")
}

// resolveJoinTarget turns join's arguments into a workspace and a directory.
func resolveJoinTarget(args []string) (api.WorkspaceURL, string, error) {
	if len(args) > 0 {
		ws, err := api.ParseWorkspaceURL(args[0])
		if err != nil {
			return api.WorkspaceURL{}, "", err
		}
		root := "."
		if len(args) > 1 {
			root = args[1]
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return api.WorkspaceURL{}, "", err
		}
		return ws, abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return api.WorkspaceURL{}, "", err
	}
	m, dir, err := persist.FindMarker(cwd)
	if err != nil {
		if errors.Is(err, persist.ErrNoMarker) {
			return api.WorkspaceURL{}, "", fmt.Errorf("no workspace URL given and no %s file found", persist.MarkerFile)
		}
		return api.WorkspaceURL{}, "", err
	}
	ws, err := workspaceFromMarker(m)
	return ws, dir, err
}

func workspaceFromMarker(m persist.Marker) (api.WorkspaceURL, error) {
	if m.URL != "" {
		return api.ParseWorkspaceURL(m.URL)
	}
	ws := api.WorkspaceURL{Host: m.Host, Port: m.Port, Secure: m.Secure, Owner: m.Owner, Name: m.Name}
	if ws.Port == 0 {
		ws.Port = api.DefaultPlainPort
		if ws.Secure {
			ws.Port = api.DefaultSecurePort
		}
	}
	return ws, nil
}

func markerFor(ws api.WorkspaceURL) persist.Marker {
	return persist.Marker{
		URL:    ws.String(),
		Host:   ws.Host,
		Port:   ws.Port,
		Secure: ws.Secure,
		Owner:  ws.Owner,
		Name:   ws.Name,
	}
}
