package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/devapi"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const apiPrefix = "/api"

func newDevServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run the bundled notes API for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.ValidateDevServer(); err != nil {
				return err
			}
			return runDevServer(cmd.Context(), appConfig)
		},
	}
	cmd.Flags().String("address", "", "Listen address")
	cmd.Flags().String("database-path", "", "SQLite database path")
	cmd.Flags().String("signing-secret", "", "Access token signing secret (overrides env)")
	bindLocalFlag(cmd, "dev.address", "address")
	bindLocalFlag(cmd, "dev.database_path", "database-path")
	bindLocalFlag(cmd, "dev.signing_secret", "signing-secret")
	return cmd
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func runDevServer(ctx context.Context, appConfig config.AppConfig) error {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)
	server, err := devapi.NewServer(devapi.ServerConfig{
		DatabasePath:  appConfig.Dev.DatabasePath,
		SigningSecret: appConfig.Dev.SigningSecret,
		AccessTTL:     appConfig.Dev.AccessTTL,
		RefreshTTL:    appConfig.Dev.RefreshTTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, server.Handler()))
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              appConfig.Dev.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dev server starting", zap.String("address", appConfig.Dev.Address), zap.String("prefix", apiPrefix))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
