package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/obfuscation"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/session"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/tokenstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is one session scope: a single token store, gateway and session manager shared by
// everything a command does.
type app struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	out      io.Writer
	durable  *tokenstore.DurableTier
	store    *tokenstore.Store
	gateway  *gateway.Gateway
	registry *prometheus.Registry
	session  *session.Manager
	notes    *notes.Client
}

func newApp(cfg config.AppConfig, out io.Writer) (*app, error) {
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, err
	}
	durable, err := tokenstore.OpenDurableTier(cfg.StoragePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open credentials store: %w", err)
	}
	store, err := tokenstore.NewStore(tokenstore.Config{
		SessionTier: tokenstore.NewMemoryTier(),
		DurableTier: durable,
		Codec:       obfuscation.NewCodec(cfg.ObfuscationKey),
		Logger:      logger,
	})
	if err != nil {
		_ = durable.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics, err := gateway.NewMetrics(registry)
	if err != nil {
		_ = durable.Close()
		return nil, err
	}
	transport, err := gateway.New(gateway.Config{
		BaseURL:     cfg.BaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		Credentials: store,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		_ = durable.Close()
		return nil, err
	}
	manager, err := session.NewManager(session.Config{Transport: transport, Credentials: store, Logger: logger})
	if err != nil {
		_ = durable.Close()
		return nil, err
	}
	client, err := notes.NewClient(notes.ClientConfig{Sender: transport, Logger: logger})
	if err != nil {
		_ = durable.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		durable:  durable,
		store:    store,
		gateway:  transport,
		registry: registry,
		session:  manager,
		notes:    client,
	}, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	if err := a.durable.Close(); err != nil {
		a.logger.Warn("failed to close credentials store", zap.Error(err))
	}
}

// requireSession restores the session and fails when nobody is signed in.
func (a *app) requireSession(ctx context.Context) error {
	if a.session.RestoreSession(ctx) != session.StatusAuthenticated {
		return errNotSignedIn
	}
	return nil
}

type appAction func(ctx context.Context, a *app, args []string) error

// runWithApp builds the session scope for a command. Unless skipRestore is set the stored session
// is restored first and the command fails when no user is signed in.
func runWithApp(action appAction, skipRestore bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		a, err := newApp(cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if !skipRestore {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
		}
		return action(ctx, a, args)
	}
}
