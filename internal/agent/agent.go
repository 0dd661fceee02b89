// Package agent ties one shared directory to one workspace connection.
//
// An Agent owns the event loop and everything driven by it: the transport,
// the protocol session, the reconciliation engine and joiner, and the file
// watcher that turns local edits into outbound changes. All of that state is
// touched only from the loop; other goroutines reach it through Post.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/api"
	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/config"
	"github.com/dshills/cosync/internal/ignore"
	"github.com/dshills/cosync/internal/persist"
	"github.com/dshills/cosync/internal/prompt"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
	"github.com/dshills/cosync/internal/reconcile"
	"github.com/dshills/cosync/internal/session"
	"github.com/dshills/cosync/internal/transport"
	"github.com/dshills/cosync/internal/upload"
	"github.com/dshills/cosync/internal/watcher"
)

// Hooks observe the agent. All hooks run on the loop and may be nil.
type Hooks struct {
	OnState       func(session.State)
	OnJoined      func(*protocol.RoomInfo)
	OnClassified  func(*reconcile.Classification)
	OnProgress    upload.ProgressFunc
	OnSynced      func()
	OnServerError func(*session.ServerError)
}

// Options configures an Agent.
type Options struct {
	// Root is the local directory mirrored into the workspace.
	Root string

	// Workspace is the workspace to join.
	Workspace api.WorkspaceURL

	// Credentials authenticate the user. Empty credentials request an
	// anonymous account.
	Credentials session.Credentials

	// Uploader marks this client as the one that created the workspace from
	// Root. The local side then wins every conflict without asking.
	Uploader bool

	// Config supplies tunables. Default: config.Default().
	Config *config.Config

	// Prompter answers join questions. Default: keep the remote side and
	// decline oversize uploads.
	Prompter prompt.Prompter

	// Registry records recent workspaces and credentials. Optional.
	Registry *persist.Registry

	Logger *zap.Logger

	// Dialer overrides how the connection is opened.
	Dialer transport.DialFunc

	Hooks Hooks
}

// Agent is one running workspace client.
type Agent struct {
	id     string
	opts   Options
	cfg    *config.Config
	root   string
	logger *zap.Logger

	reactor  *reactor.Reactor
	conn     *transport.Conn
	session  *session.Session
	engine   *reconcile.Engine
	joiner   *reconcile.Joiner
	hasher   *reconcile.Hasher
	scanner  *ignore.Scanner
	watcher  *watcher.Watcher
	registry *persist.Registry

	ctx  context.Context
	stop context.CancelFunc

	running atomic.Bool
	endOnce sync.Once
	err     error
}

// syncer adapts the engine and the joiner to the session's reconciler.
type syncer struct {
	*reconcile.Engine
	joiner *reconcile.Joiner
}

func (s syncer) Join() error { return s.joiner.Join() }
func (s syncer) Cancel()     { s.joiner.Cancel() }

// New creates an agent. Nothing connects until Run.
func New(opts Options) (*Agent, error) {
	if opts.Workspace.Owner == "" || opts.Workspace.Name == "" {
		return nil, ErrNoWorkspace
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Prompter == nil {
		opts.Prompter = &prompt.Static{Choice: prompt.ChoiceKeepRemote}
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, &InitError{Component: "root", Err: err}
	}

	id := uuid.NewString()
	a := &Agent{
		id:       id,
		opts:     opts,
		cfg:      opts.Config,
		root:     root,
		registry: opts.Registry,
		logger: opts.Logger.With(
			zap.String("agent", id),
			zap.String("workspace", opts.Workspace.String()),
		),
	}
	a.ctx, a.stop = context.WithCancel(context.Background())

	if err := a.bootstrap(); err != nil {
		a.stop()
		return nil, err
	}
	return a, nil
}

// ID returns the agent's random identifier.
func (a *Agent) ID() string {
	return a.id
}

// Root returns the absolute shared directory.
func (a *Agent) Root() string {
	return a.root
}

// Session returns the protocol session. It must only be used on the loop.
func (a *Agent) Session() *session.Session {
	return a.session
}

// Post runs fn on the loop.
func (a *Agent) Post(fn func()) {
	a.reactor.Post(fn)
}

// Run connects and drives the loop until ctx is done, Shutdown is called or
// the session ends for good. The session's terminal error is returned.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	release := context.AfterFunc(ctx, a.stop)
	defer release()

	if err := a.watcher.Start(); err != nil {
		return &InitError{Component: "watcher", Err: err}
	}
	defer a.watcher.Close()

	a.logger.Info("starting", zap.String("root", a.root), zap.Bool("uploader", a.opts.Uploader))
	a.reactor.Post(func() {
		if err := a.session.Connect(); err != nil {
			a.end(err)
		}
	})

	err := a.reactor.Run(a.ctx, a.cfg.Reactor.TickInterval.Std())

	// The loop has stopped, so this goroutine owns the session now.
	a.session.Stop()
	a.reactor.Close()

	if a.err != nil {
		return a.err
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the session and makes Run return.
func (a *Agent) Shutdown() {
	if !a.running.Load() {
		a.stop()
		return
	}
	a.reactor.Post(func() {
		a.session.Stop()
	})
}

// end records the terminal error and stops the loop.
func (a *Agent) end(err error) {
	a.endOnce.Do(func() {
		a.err = err
		a.stop()
	})
}

// onLocalChange forwards a watcher change to the engine.
func (a *Agent) onLocalChange(c watcher.Change) {
	if a.session.State() != session.StateJoined || a.joiner.Uploading() {
		return
	}

	info, err := os.Stat(filepath.Join(a.root, filepath.FromSlash(c.Path)))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = a.engine.LocalDelete(c.Path)
	case err != nil:
	case info.IsDir():
		return
	default:
		err = a.engine.LocalChange(c.Path)
	}
	if err != nil && !errors.Is(err, reconcile.ErrPermission) {
		a.logger.Warn("local change", zap.String("path", c.Path), zap.Stringer("op", c.Op), zap.Error(err))
	}
}

func (a *Agent) onJoined(m *protocol.RoomInfo) {
	if a.registry != nil {
		url, root := a.opts.Workspace.String(), a.root
		ws := persist.Workspace{Owner: a.opts.Workspace.Owner, Name: a.opts.Workspace.Name, URL: url, Path: root}
		a.persist("record workspace", func(ctx context.Context) error {
			if err := a.registry.PutWorkspace(ctx, ws); err != nil {
				return err
			}
			return a.registry.Touch(ctx, url, root)
		})
	}
	if a.opts.Hooks.OnJoined != nil {
		a.opts.Hooks.OnJoined(m)
	}
}

func (a *Agent) onCredentials(c session.Credentials) {
	if a.registry == nil {
		return
	}
	creds := persist.Credentials{
		Host:     a.opts.Workspace.Host,
		Username: c.Username,
		Secret:   c.Secret,
		APIKey:   c.APIKey,
	}
	a.persist("store credentials", func(ctx context.Context) error {
		return a.registry.PutCredentials(ctx, creds)
	})
}

// persist runs a registry write off the loop.
func (a *Agent) persist(what string, fn func(context.Context) error) {
	var err error
	a.reactor.Async(func() {
		err = fn(a.ctx)
	}, func() {
		if err != nil {
			a.logger.Warn(what, zap.Error(err))
		}
	})
}

func (a *Agent) transportConfig() transport.Config {
	t := a.cfg.Transport
	ws := a.opts.Workspace

	cfg := transport.DefaultConfig()
	cfg.Host = ws.Host
	cfg.Port = ws.Port
	cfg.Secure = ws.Secure
	cfg.DialTimeout = t.DialTimeout.Std()
	cfg.MaxRetries = t.MaxRetries
	cfg.MaxEmptyReads = t.MaxEmptyReads
	cfg.Backoff = transport.Backoff{
		Initial:    t.BackoffInitial.Std(),
		Max:        t.BackoffMax.Std(),
		Multiplier: t.BackoffMultiplier,
	}
	if ws.Secure && a.cfg.Server.InsecureSkipVerify {
		cfg.TLS = &tls.Config{
			ServerName:         ws.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}
	return cfg
}

// Directory returns the buffer directory. It must only be used on the loop.
func (a *Agent) Directory() *buffer.Directory {
	return a.engine.Directory()
}
