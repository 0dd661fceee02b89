package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MaxRecent is the number of recent workspaces kept.
const MaxRecent = 100

// ErrNotFound is returned when a registry lookup has no result.
var ErrNotFound = errors.New("not found")

// Workspace is a registry entry.
type Workspace struct {
	Owner string
	Name  string
	URL   string
	Path  string
}

// Recent is an entry of the recent-workspaces list.
type Recent struct {
	URL  string
	Path string
}

// Credentials are stored per server host.
type Credentials struct {
	Host     string
	Username string
	Secret   string
	APIKey   string
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	owner TEXT NOT NULL,
	name  TEXT NOT NULL,
	url   TEXT NOT NULL,
	path  TEXT NOT NULL,
	PRIMARY KEY (owner, name)
);

CREATE TABLE IF NOT EXISTS recent (
	url  TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	seq  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recent_seq ON recent(seq DESC);

CREATE TABLE IF NOT EXISTS credentials (
	host     TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	secret   TEXT NOT NULL DEFAULT '',
	api_key  TEXT NOT NULL DEFAULT ''
);
`

// Registry is the SQLite-backed user registry.
type Registry struct {
	conn *sql.DB
	path string
}

// DefaultRegistryPath returns ~/.cosync/registry.db.
func DefaultRegistryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".cosync", "registry.db"), nil
}

// OpenRegistry opens or creates the registry at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return &Registry{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (r *Registry) Path() string {
	return r.path
}

// Close closes the database.
func (r *Registry) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	if err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	return nil
}

// PutWorkspace records where a workspace lives locally.
func (r *Registry) PutWorkspace(ctx context.Context, w Workspace) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO workspaces (owner, name, url, path) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, name) DO UPDATE SET url = excluded.url, path = excluded.path`,
		w.Owner, w.Name, w.URL, w.Path)
	if err != nil {
		return fmt.Errorf("put workspace %s/%s: %w", w.Owner, w.Name, err)
	}
	return nil
}

// Workspace returns the entry for owner/name.
func (r *Registry) Workspace(ctx context.Context, owner, name string) (Workspace, error) {
	w := Workspace{Owner: owner, Name: name}
	err := r.conn.QueryRowContext(ctx,
		`SELECT url, path FROM workspaces WHERE owner = ? AND name = ?`, owner, name,
	).Scan(&w.URL, &w.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("workspace %s/%s: %w", owner, name, ErrNotFound)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace %s/%s: %w", owner, name, err)
	}
	return w, nil
}

// Workspaces lists the entries of owner, or every entry when owner is empty.
func (r *Registry) Workspaces(ctx context.Context, owner string) ([]Workspace, error) {
	query := `SELECT owner, name, url, path FROM workspaces ORDER BY owner, name`
	args := []any{}
	if owner != "" {
		query = `SELECT owner, name, url, path FROM workspaces WHERE owner = ? ORDER BY name`
		args = append(args, owner)
	}

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.Owner, &w.Name, &w.URL, &w.Path); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes the entry for owner/name.
func (r *Registry) DeleteWorkspace(ctx context.Context, owner, name string) error {
	if _, err := r.conn.ExecContext(ctx, `DELETE FROM workspaces WHERE owner = ? AND name = ?`, owner, name); err != nil {
		return fmt.Errorf("delete workspace %s/%s: %w", owner, name, err)
	}
	return nil
}

// Touch moves url to the front of the recent list, adding it if needed, and
// trims the list to MaxRecent entries.
func (r *Registry) Touch(ctx context.Context, url, path string) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recent (url, path, seq)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM recent))
		ON CONFLICT(url) DO UPDATE SET path = excluded.path, seq = excluded.seq`,
		url, path); err != nil {
		return fmt.Errorf("touch %s: %w", url, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recent WHERE url NOT IN (
			SELECT url FROM recent ORDER BY seq DESC LIMIT ?
		)`, MaxRecent); err != nil {
		return fmt.Errorf("trim recent: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to limit recent workspaces, most recent first. A limit
// of zero returns the whole list.
func (r *Registry) Recent(ctx context.Context, limit int) ([]Recent, error) {
	if limit <= 0 {
		limit = MaxRecent
	}
	rows, err := r.conn.QueryContext(ctx, `SELECT url, path FROM recent ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()

	var out []Recent
	for rows.Next() {
		var rc Recent
		if err := rows.Scan(&rc.URL, &rc.Path); err != nil {
			return nil, fmt.Errorf("scan recent: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// PutCredentials stores the credentials for a server host.
func (r *Registry) PutCredentials(ctx context.Context, c Credentials) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO credentials (host, username, secret, api_key) VALUES (?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET username = excluded.username,
			secret = excluded.secret, api_key = excluded.api_key`,
		c.Host, c.Username, c.Secret, c.APIKey)
	if err != nil {
		return fmt.Errorf("put credentials for %s: %w", c.Host, err)
	}
	return nil
}

// Credentials returns the stored credentials for host.
func (r *Registry) Credentials(ctx context.Context, host string) (Credentials, error) {
	c := Credentials{Host: host}
	err := r.conn.QueryRowContext(ctx,
		`SELECT username, secret, api_key FROM credentials WHERE host = ?`, host,
	).Scan(&c.Username, &c.Secret, &c.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, fmt.Errorf("credentials for %s: %w", host, ErrNotFound)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("get credentials for %s: %w", host, err)
	}
	return c, nil
}
