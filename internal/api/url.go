package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Default protocol ports.
const (
	DefaultSecurePort = 3448
	DefaultPlainPort  = 3148
)

// ErrInvalidURL is returned for URLs that do not name a workspace.
var ErrInvalidURL = errors.New("invalid workspace url")

// WorkspaceURL locates a workspace: https://host[:port]/owner/name.
type WorkspaceURL struct {
	Host   string
	Port   int
	Secure bool
	Owner  string
	Name   string
}

// ParseWorkspaceURL parses raw. The port defaults by scheme.
func ParseWorkspaceURL(raw string) (WorkspaceURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return WorkspaceURL{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	var w WorkspaceURL
	switch u.Scheme {
	case "https":
		w.Secure = true
	case "http":
	default:
		return WorkspaceURL{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	w.Host = u.Hostname()
	if w.Host == "" {
		return WorkspaceURL{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if p := u.Port(); p != "" {
		w.Port, err = strconv.Atoi(p)
		if err != nil {
			return WorkspaceURL{}, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
	} else if w.Secure {
		w.Port = DefaultSecurePort
	} else {
		w.Port = DefaultPlainPort
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return WorkspaceURL{}, fmt.Errorf("%w: path must be /owner/name, got %q", ErrInvalidURL, u.Path)
	}
	w.Owner, w.Name = parts[0], parts[1]
	return w, nil
}

// String formats the URL, leaving out the port when it is the default.
func (w WorkspaceURL) String() string {
	scheme := "http"
	def := DefaultPlainPort
	if w.Secure {
		scheme = "https"
		def = DefaultSecurePort
	}
	host := w.Host
	if w.Port != 0 && w.Port != def {
		host += ":" + strconv.Itoa(w.Port)
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, url.PathEscape(w.Owner), url.PathEscape(w.Name))
}

// BaseURL returns the HTTP API root for the workspace's host.
func (w WorkspaceURL) BaseURL() string {
	if w.Secure {
		return "https://" + w.Host
	}
	return "http://" + w.Host
}
