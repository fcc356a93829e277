package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/config"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/node"
)

var (
	logLevel        string
	logFormat       string
	deploymentsPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "settlement",
		Short: "Cross-domain intent settlement node",
	}

	// Global flags, overriding the environment when set
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set the logging level (debug, info, notice, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Set the log output format (std, json or text)")
	rootCmd.PersistentFlags().StringVar(&deploymentsPath, "config", "", "Path to the deployments file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the configured domains, refund expired orders and expose the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	deploymentsCmd := &cobra.Command{
		Use:   "deployments",
		Short: "Validate and print the configured deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, d := range cfg.Deployments {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s chain=%-6d store=%q escrow=%s settler=%s permit=%s oracle=%s relayers=%d\n",
					d.Name, d.ChainID, d.StorePath, d.Escrow.Hex(), d.Settler.Hex(), d.Permit.Hex(), d.Oracle.Hex(), len(d.Relayers))
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, deploymentsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies the command line overrides
func loadConfig() (*config.Config, error) {
	if logLevel != "" {
		if err := os.Setenv("LOG_LEVEL", logLevel); err != nil {
			return nil, err
		}
	}
	if logFormat != "" {
		if err := os.Setenv("LOG_FORMAT", logFormat); err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggerConfig) logger.Logger {
	switch cfg.Format {
	case config.LogFormatJSON, config.LogFormatText:
		return logger.NewZeroLogger(os.Stderr, cfg.Format, cfg.Level)
	default:
		return logger.NewStdLogger(cfg.Coloring, cfg.Level)
	}
}

func run(cfg *config.Config) error {
	appLogger := newLogger(cfg.LoggerConfig)

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := node.NewService(ctx, cfg, clock.NewSystem(), appLogger)
	if err != nil {
		return fmt.Errorf("failed to create settlement node: %w", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			log.Printf("Error closing settlement node: %v", err)
		}
	}()

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		appLogger.Info("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	appLogger.Info("Starting the settlement node...")
	return service.Start(ctx)
}
