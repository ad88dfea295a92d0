/*
Package main is the crowdwisdom CLI entry point.

crowdwisdom groups incoming queries into semantic clusters, learns which
prompt template works best for each cluster from user feedback, and picks a
template for every new query.

Usage:

	crowdwisdom [command]

Available Commands:

	server      Run the HTTP API
	recluster   Run the batch re-clustering job and apply its manifest
	apply       Apply a manifest written by an external clustering run
	backfill    Embed and cluster queries stored without an embedding
	report      Print the best template per cluster
	version     Print the version
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/batch"
	"github.com/hyperjump/crowdwisdom/internal/cli"
	"github.com/hyperjump/crowdwisdom/internal/config"
	"github.com/hyperjump/crowdwisdom/internal/server"
	"github.com/hyperjump/crowdwisdom/internal/watcher"
	"github.com/hyperjump/crowdwisdom/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/crowdwisdom/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory wins if it exists, so running from the project dir uses
// the project's config. Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// app carries the global flags and the state built from them.
type app struct {
	configPath string
	debug      bool
	format     string

	cfg    *config.Config
	logger *zap.Logger
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, resolved, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	debug := cfg.Debug || a.debug
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debug))
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) components(ctx context.Context) (*Components, error) {
	c, err := initializeComponents(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return c, nil
}

func (a *app) outputFormat() (cli.OutputFormat, error) {
	return cli.ParseOutputFormat(a.format)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "crowdwisdom",
		Short:         "Crowd-wisdom prompt template engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.format, "format", "text", "output format: text or json")

	root.AddCommand(
		newServerCmd(a),
		newReclusterCmd(a),
		newApplyCmd(a),
		newBackfillCmd(a),
		newReportCmd(a),
		newVersionCmd(),
	)
	return root
}

func newServerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "server",
		Short:   "Run the HTTP API",
		PreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), a)
		},
	}
}

func runServer(ctx context.Context, a *app) error {
	defer a.logger.Sync()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := a.components(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if a.cfg.Batch.WatchManifest {
		w := watcher.NewManifestWatcher(a.cfg.Batch.ManifestPath, func(ctx context.Context) {
			if _, err := c.Runner.ApplyExternal(ctx); err != nil && !errors.Is(err, batch.ErrAlreadyRunning) {
				a.logger.Warn("manifest reload failed", zap.String("path", a.cfg.Batch.ManifestPath), zap.Error(err))
			}
		}, watcher.WithLogger(a.logger))
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch manifest: %w", err)
		}
		defer w.Stop()
	}

	var batchSvc server.BatchService
	if a.cfg.Batch.Command != "" {
		batchSvc = c.Runner
	}
	srv := server.NewServer(c.Engine, batchSvc, c.Metrics, &a.cfg.Server, a.logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	c.Runner.Wait()
	return nil
}

func newReclusterCmd(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "recluster",
		Short: "Run the batch re-clustering job and apply its manifest",
		Example: `  crowdwisdom recluster
  crowdwisdom recluster --full`,
		PreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			c, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			st, runErr := c.Runner.Run(cmd.Context(), full)
			if err := cli.WriteBatchStatus(cmd.OutOrStdout(), st, format); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "recompute every cluster instead of the incremental pass")
	return cmd
}

func newApplyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "apply",
		Short:   "Apply the manifest at batch.manifest_path",
		PreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if _, err := c.Runner.ApplyExternal(cmd.Context()); err != nil {
				return err
			}
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			return cli.WriteBatchStatus(cmd.OutOrStdout(), c.Runner.Status(), format)
		},
	}
}

func newBackfillCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "backfill",
		Short:   "Embed and cluster queries stored without an embedding",
		PreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			c, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.Engine.BackfillEmbeddings(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return cli.WriteBackfill(cmd.OutOrStdout(), res, format)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of interactions to process")
	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Print the best template per cluster",
		PreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			c, err := a.components(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if refresh {
				n, err := c.Engine.RefreshEfficacy(cmd.Context())
				if err != nil {
					return err
				}
				a.logger.Info("template efficacy cache refreshed", zap.Int("templates", n))
			}
			report, err := c.Engine.BestTemplates(cmd.Context())
			if err != nil {
				return err
			}
			return cli.WriteReport(cmd.OutOrStdout(), report, format)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "rewrite cached template efficacy from the usage ledger first")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crowdwisdom version %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
