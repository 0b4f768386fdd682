package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/config"
	"github.com/MarcoPoloResearchLab/chatsync/internal/coordinator"
	"github.com/MarcoPoloResearchLab/chatsync/internal/database"
	"github.com/MarcoPoloResearchLab/chatsync/internal/logging"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote/relay"
	"github.com/MarcoPoloResearchLab/chatsync/internal/server"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Background cache synchronization for the terminal chat client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path, empty for stderr")
	cmd.PersistentFlags().String("relay-url", "", "Websocket URL of the chat relay")
	cmd.PersistentFlags().String("control-address", defaults.GetString("control.address"), "Control API listen address, empty disables")
	cmd.PersistentFlags().String("signing-secret", "", "Control API signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "relay.url", "relay-url")
	bindFlag(cmd, "control.address", "control-address")
	bindFlag(cmd, "control.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenConfig, err := config.LoadTokenConfig(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(tokenConfig.SigningSecret),
				TokenTTL:      tokenConfig.TTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "terminal", "Token subject")
	return cmd
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.NewFileLogger(appConfig.LogLevel, logging.FileOptions{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
	})
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	store, err := cache.New(cache.StoreConfig{Database: db, Codec: cache.JSONCodec{}, Logger: logger})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, err := relay.NewDialer(relay.DialerConfig{URL: appConfig.RelayURL, Logger: logger})
	if err != nil {
		return err
	}
	client, err := remote.Establish(signalCtx, dialer, store, logger)
	if err != nil {
		return err
	}
	if closer, ok := client.(io.Closer); ok {
		defer closer.Close() //nolint:errcheck
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	initialBackOff := backoff.NewExponentialBackOff()
	initialBackOff.MaxInterval = appConfig.InitialBackoffMax
	initialBackOff.MaxElapsedTime = 0

	syncCoordinator, err := coordinator.New(coordinator.Config{
		Cache:              store,
		Client:             client,
		Logger:             logger,
		QueueCapacity:      appConfig.QueueCapacity,
		PageSize:           appConfig.PageSize,
		HistoryLimit:       appConfig.HistoryLimit,
		InitialSyncBackOff: initialBackOff,
		Metrics:            coordinator.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	var httpServer *http.Server
	if appConfig.ControlEnabled() {
		tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.ControlSigningSecret),
			TokenTTL:      appConfig.ControlTokenTTL,
		})
		if err != nil {
			return errors.Join(err, syncCoordinator.Shutdown(context.Background()))
		}
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Sync:         syncCoordinator,
			TokenManager: tokenManager,
			Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			Logger:       logger,
		})
		if err != nil {
			return errors.Join(err, syncCoordinator.Shutdown(context.Background()))
		}
		httpServer = &http.Server{
			Addr:              appConfig.ControlAddress,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logger.Info("control api starting", zap.String("address", appConfig.ControlAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
	}

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control api shutdown failed", zap.Error(err))
		}
	}
	if err := syncCoordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
