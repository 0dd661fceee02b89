package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/cosync/internal/api"
	"github.com/dshills/cosync/internal/persist"
)

var shareFlags struct {
	creds  credentialFlags
	name   string
	owner  string
	public bool
	yes    bool
}

var shareCmd = &cobra.Command{
	Use:     "share [dir]",
	GroupID: "sync",
	Short:   "Create a workspace from a directory and upload it",
	Long: `Create a workspace from a local directory, upload its files and keep
it in sync.

The workspace is named after the directory unless --name is given, and is
owned by the authenticated user unless --owner names an organization. An
existing workspace with the same name is reused. The local directory always
wins the first synchronization.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}
		root, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		if info, err := os.Stat(root); err != nil {
			return err
		} else if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", root)
		}

		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		server := e.cfg.Server
		creds := shareFlags.creds.resolve(ctx, e, server.Host)
		if creds.Username == "" {
			return fmt.Errorf("sharing needs an account: pass --username or set auth.username")
		}

		ws := api.WorkspaceURL{
			Host:   server.Host,
			Port:   server.Port,
			Secure: server.Secure,
			Owner:  shareFlags.owner,
			Name:   shareFlags.name,
		}
		if ws.Owner == "" {
			ws.Owner = creds.Username
		}
		if ws.Name == "" {
			ws.Name = filepath.Base(root)
		}

		if err := createWorkspace(ctx, ws, creds.Username, creds.Secret); err != nil {
			return err
		}
		if err := persist.WriteMarker(root, markerFor(ws)); err != nil {
			return err
		}
		fmt.Printf("%s created %s\n", renderPass("✓"), renderAccent(ws.String()))

		p, err := prompter("", shareFlags.yes)
		if err != nil {
			return err
		}
		return runAgent(e, root, ws, creds, true, p)
	},
}

func init() {
	f := shareCmd.Flags()
	addCredentialFlags(shareCmd, &shareFlags.creds)
	f.StringVarP(&shareFlags.name, "name", "n", "", "workspace name (default: directory name)")
	f.StringVar(&shareFlags.owner, "owner", "", "workspace owner (default: your username)")
	f.BoolVar(&shareFlags.public, "public", false, "let anyone view the workspace")
	f.BoolVarP(&shareFlags.yes, "yes", "y", false, "upload oversized directories without asking")
}

// createWorkspace creates ws through the HTTP API. A workspace that already
// exists is reused.
func createWorkspace(ctx context.Context, ws api.WorkspaceURL, username, secret string) error {
	client := api.New(api.Config{BaseURL: ws.BaseURL(), Username: username, Secret: secret})

	req := api.Workspace{Name: ws.Name, Owner: ws.Owner}
	if shareFlags.public {
		req.Perms = map[string][]string{"AnonymousUser": {"view_room"}}
	}
	resp, err := client.CreateWorkspace(ctx, req)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	switch {
	case resp.OK():
		return nil
	case resp.Status == http.StatusConflict:
		if _, err := client.Workspace(ctx, ws.Owner, ws.Name); err != nil {
			return fmt.Errorf("workspace %s exists but is not accessible: %w", ws, err)
		}
		return nil
	default:
		return fmt.Errorf("create workspace: %w", &api.StatusError{Status: resp.Status, Body: string(resp.Body)})
	}
}
