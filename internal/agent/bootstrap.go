package agent

import (
	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/diff"
	"github.com/dshills/cosync/internal/ignore"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
	"github.com/dshills/cosync/internal/reconcile"
	"github.com/dshills/cosync/internal/session"
	"github.com/dshills/cosync/internal/transport"
	"github.com/dshills/cosync/internal/upload"
	"github.com/dshills/cosync/internal/view"
	"github.com/dshills/cosync/internal/watcher"
)

// bootstrap builds every component in dependency order.
func (a *Agent) bootstrap() error {
	var err error
	cfg := a.cfg

	// 1. Event loop
	a.reactor = reactor.New(reactor.WithLogger(a.logger.Named("reactor")))

	// 2. Protocol session
	a.session = session.New(session.Config{
		Owner:       a.opts.Workspace.Owner,
		Workspace:   a.opts.Workspace.Name,
		Credentials: a.opts.Credentials,
	}, session.WithLogger(a.logger.Named("session")), session.WithClock(a.reactor.Now))

	// 3. Transport, with the session as its listener
	topts := []transport.Option{transport.WithLogger(a.logger.Named("transport"))}
	if a.opts.Dialer != nil {
		topts = append(topts, transport.WithDialer(a.opts.Dialer))
	}
	a.conn = transport.New(a.reactor, a.transportConfig(), a.session, topts...)

	// 4. Local tree
	a.scanner, err = ignore.NewScanner(a.root, a.logger.Named("scan"))
	if err != nil {
		return &InitError{Component: "scanner", Err: err}
	}
	a.hasher, err = reconcile.NewHasher(a.root, cfg.Sync.HashCacheSize)
	if err != nil {
		return &InitError{Component: "hasher", Err: err}
	}

	// 5. Reconciliation
	a.engine = reconcile.NewEngine(
		buffer.NewDirectory(),
		view.NewDiskRegistry(a.root),
		diff.NewDefault(),
		a.session,
		a.reactor,
		a.session,
		reconcile.Config{
			Root:            a.root,
			ResyncDelay:     cfg.Sync.ResyncDelay.Std(),
			SpliceThreshold: cfg.Sync.SpliceThreshold,
		},
		a.logger.Named("engine"),
	)
	a.joiner = reconcile.NewJoiner(a.ctx, a.scanner, a.hasher, a.engine, a.session, a.reactor, a.reactor,
		a.opts.Prompter, a.session, reconcile.JoinConfig{
			Workspace:        a.opts.Workspace.String(),
			Uploader:         a.opts.Uploader,
			MaxWorkspaceSize: cfg.Sync.MaxWorkspaceSize,
			Upload:           upload.Config{Delay: cfg.Sync.UploadDelay.Std()},
		}, a.logger.Named("join"))

	a.session.Attach(a.conn, syncer{Engine: a.engine, joiner: a.joiner})
	a.wireHooks()

	// 6. Watcher
	a.watcher, err = watcher.New(a.root, a.scanner.Matcher(), func(c watcher.Change) {
		a.reactor.Post(func() { a.onLocalChange(c) })
	}, watcher.Config{
		Debounce:    cfg.Sync.Debounce.Std(),
		IgnoreChmod: true,
	}, a.logger.Named("watcher"))
	if err != nil {
		return &InitError{Component: "watcher", Err: err}
	}

	return nil
}

// wireHooks connects session and joiner events to the agent and its hooks.
func (a *Agent) wireHooks() {
	h := a.opts.Hooks

	a.session.SetHooks(session.Hooks{
		OnState:       h.OnState,
		OnJoined:      a.onJoined,
		OnCredentials: a.onCredentials,
		OnUserJoined: func(u protocol.User) {
			a.logger.Info("user joined", zap.String("username", u.Username), zap.String("client", u.Client))
		},
		OnUserLeft: func(u protocol.User) {
			a.logger.Info("user left", zap.String("username", u.Username))
		},
		OnPermRequest: func(m *protocol.RequestPerms) {
			a.logger.Info("permissions requested", zap.Int("user_id", m.UserID), zap.Strings("perms", m.Perms))
		},
		OnServerError: h.OnServerError,
		OnTerminated:  a.end,
	})

	a.joiner.SetHooks(reconcile.JoinHooks{
		OnClassified: h.OnClassified,
		OnProgress:   h.OnProgress,
		OnSynced:     h.OnSynced,
		OnAbort: func(err error) {
			a.logger.Error("join failed, stopping", zap.Error(err))
			a.end(err)
		},
	})
}
