// Command gateway runs the device relay gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FreePeak/device-relay-gateway/internal/builder"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/config"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Relay gateway between IoT control devices and browser viewers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept device and viewer connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			for key, flag := range map[string]string{
				"server.addr":     "addr",
				"log.level":       "log-level",
				"log.development": "dev",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			if configPath != "" {
				v.SetConfigFile(configPath)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config: %w", err)
				}
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn or error")
	cmd.Flags().Bool("dev", false, "development logging")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Development = cfg.Log.Development
	logCfg.InitialFields = logging.Fields{"service": "device-relay-gateway"}

	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := builder.NewGatewayBuilder().
		WithConfig(cfg).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gateway", logging.Fields{
		"addr":         cfg.Server.Addr,
		"identity_url": cfg.Backend.IdentityURL,
		"status_url":   cfg.Backend.StatusURL,
	})
	return app.Run(ctx)
}
