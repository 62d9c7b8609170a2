package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/logging"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/server"
)

type rootOptions struct {
	configPath string
}

type runOptions struct {
	seeds           []string
	exitWhenDrained bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "crawlengine",
		Short: "A concurrent URL fetch engine with retries, proxies and hooks.",
		Long: `crawlengine fetches queued URLs under a global concurrency limit, retries
failures with a fixed delay, rotates outbound proxies, and hands every
terminal outcome to storage and notification backends.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (env: CRAWLER_*)")

	cmd.AddCommand(newRunCmd(&opts), newValidateCmd(&opts))
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			cfg.Engine.Seeds = append(cfg.Engine.Seeds, opts.seeds...)
			if cmd.Flags().Changed("exit-when-drained") {
				cfg.Engine.ExitWhenDrained = opts.exitWhenDrained
			}
			return runEngine(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringSliceVar(&opts.seeds, "seed", nil, "URL to enqueue before starting (repeatable)")
	cmd.Flags().BoolVar(&opts.exitWhenDrained, "exit-when-drained", false, "exit once the queue is empty and nothing is in flight")
	return cmd
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: transport=%s storage=%s concurrency=%d retries=%d\n",
				cfg.HTTP.Transport, cfg.Storage.Backend, cfg.Engine.Concurrency, cfg.Engine.Retries)
			return nil
		},
	}
}

func runEngine(parent context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(context.Background()); cerr != nil {
			logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	return app.Run(ctx, cfg.Engine.ExitWhenDrained)
}
