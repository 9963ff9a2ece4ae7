package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meteo-x/marketfeed/internal/config"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/httpapi"
)

// execute builds the marketfeed root command and runs it, grounded on
// src/cmd/cprotocol/root.go's shape: one root command, persistent flags,
// subcommands wired by closure over ctx.
func execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{Use: "marketfeed", Short: "Multi-exchange market-data ingestion service"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(serveCmd(ctx, &configPath))
	root.AddCommand(healthCmd(ctx, &configPath))

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return root.Execute()
}

func serveCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect every configured exchange and serve the Control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return errs.Wrap(errs.KindFatalInit, err, map[string]any{"config_path": *configPath})
			}
			applyLogLevel(cfg.LogLevel)

			svc, err := buildService(cfg)
			if err != nil {
				return errs.Wrap(errs.KindFatalInit, err, map[string]any{"exchanges": len(cfg.Exchanges)})
			}
			defer svc.Close()

			runCtx, cancelFeed := context.WithCancel(ctx)
			defer cancelFeed()
			go svc.surface.RunFeed(runCtx, 5*time.Second)

			server := httpapi.New(httpapi.Config{Addr: fmt.Sprintf(":%d", cfg.HTTPPort)}, svc.surface)
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return errs.Wrap(errs.KindFatalInit, err, nil)
				}
			case <-sigCh:
				log.Info().Msg("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func healthCmd(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Validate configuration and exit without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return errs.Wrap(errs.KindFatalInit, err, map[string]any{"config_path": *configPath})
			}
			log.Info().Int("exchanges", len(cfg.Exchanges)).Int("http_port", cfg.HTTPPort).Msg("config OK")
			return nil
		},
	}
}

// loadConfig layers the YAML file (if any) under environment variable
// overrides (spec §6 "environment variables recognized"), then validates.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	cfg = applyEnvOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides recognizes LOG_LEVEL, <EXCHANGE>_SYMBOLS, PORT, and
// PUBSUB_TOPIC_PREFIX; any other environment variable is ignored.
func applyEnvOverrides(cfg config.Config) config.Config {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.HTTPPort = p
		}
	}
	for i, ex := range cfg.Exchanges {
		envName := strings.ToUpper(ex.Name) + "_SYMBOLS"
		if raw := os.Getenv(envName); raw != "" {
			cfg.Exchanges[i].Symbols = strings.Split(raw, ",")
		}
	}
	if prefix := os.Getenv("PUBSUB_TOPIC_PREFIX"); prefix != "" {
		cfg.Publisher.TopicPrefix = prefix
	}
	return cfg
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
