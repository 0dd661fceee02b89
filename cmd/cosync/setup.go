package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/cosync/internal/agent"
	"github.com/dshills/cosync/internal/api"
	"github.com/dshills/cosync/internal/config"
	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/persist"
	"github.com/dshills/cosync/internal/prompt"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/session"
)

// env is the configuration, logger and registry a command runs with.
type env struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *persist.Registry
}

// setup loads configuration, applies global flags and opens the registry.
func setup() (*env, error) {
	path, required := flags.configPath, true
	if path == "" {
		path, required = config.DefaultPath(), false
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFile != "" {
		cfg.Logging.File = flags.logFile
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if flags.registry != "" {
		cfg.Paths.Registry = flags.registry
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	regPath := cfg.Paths.Registry
	if regPath == "" {
		if regPath, err = persist.DefaultRegistryPath(); err != nil {
			logger.Close()
			return nil, err
		}
	}
	reg, err := persist.OpenRegistry(regPath)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	return &env{cfg: cfg, logger: logger, registry: reg}, nil
}

func (e *env) close() {
	if err := e.registry.Close(); err != nil {
		e.logger.Warn("close registry", zap.Error(err))
	}
	_ = e.logger.Close()
}

// credentialFlags are accepted by commands that talk to the server.
type credentialFlags struct {
	username string
	secret   string
	apiKey   string
}

// resolve picks credentials from flags, then configuration, then the
// registry entry for host.
func (f credentialFlags) resolve(ctx context.Context, e *env, host string) session.Credentials {
	if f.username != "" || f.apiKey != "" {
		return session.Credentials{Username: f.username, Secret: f.secret, APIKey: f.apiKey}
	}
	if a := e.cfg.Auth; a.Username != "" || a.APIKey != "" {
		return session.Credentials{Username: a.Username, Secret: a.Secret, APIKey: a.APIKey}
	}
	c, err := e.registry.Credentials(ctx, host)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			e.logger.Warn("load stored credentials", zap.String("host", host), zap.Error(err))
		}
		return session.Credentials{}
	}
	return session.Credentials{Username: c.Username, Secret: c.Secret, APIKey: c.APIKey}
}

// prompter returns the interactive prompter on a terminal and a fixed
// answer otherwise.
func prompter(keep string, yes bool) (prompt.Prompter, error) {
	if keep != "" {
		choice, err := prompt.ParseChoice(keep)
		if err != nil {
			return nil, err
		}
		return &prompt.Static{Choice: choice, Proceed: yes}, nil
	}
	if !isTerminal(os.Stdin) {
		return &prompt.Static{Choice: prompt.ChoiceKeepRemote, Proceed: yes}, nil
	}
	return &prompt.Terminal{}, nil
}

// runAgent runs one workspace client until interrupted, alongside the
// metrics endpoint when one is configured.
func runAgent(e *env, root string, ws api.WorkspaceURL, creds session.Credentials, uploader bool, p prompt.Prompter) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := newStatus(os.Stdout)
	a, err := agent.New(agent.Options{
		Root:        root,
		Workspace:   ws,
		Credentials: creds,
		Uploader:    uploader,
		Config:      e.cfg,
		Prompter:    p,
		Registry:    e.registry,
		Logger:      e.logger.Logger,
		Hooks: agent.Hooks{
			OnState:    st.state,
			OnProgress: st.progress,
			OnSynced:   func() { st.synced(root) },
			OnJoined: func(m *protocol.RoomInfo) {
				fmt.Fprintf(st.out, "%s joined %s with %d buffers\n", renderPass("✓"), renderAccent(ws.String()), len(m.Bufs))
			},
			OnServerError: func(se *session.ServerError) {
				if se.Flash {
					st.serverError(se.Msg)
				}
			},
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.Run(gctx)
	})
	if addr := e.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			e.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
