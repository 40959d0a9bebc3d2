package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch"
	"github.com/jpalmerr/nodewatch/config"
	"github.com/jpalmerr/nodewatch/httpnode"
	"github.com/jpalmerr/nodewatch/internal/resolve"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll nodes and serve the status API",
	Long: `Load the configuration, poll every configured node and serve status on
the configured port until interrupted (Ctrl+C) or sent SIGTERM.

The config file is watched: valid edits replace the node set without a
restart, invalid edits are logged and ignored.

Settings override order, lowest first: config file, NODEWATCH_* environment
variables (NODEWATCH_LOGGING_LEVEL, NODEWATCH_PORT), flags.

Example:
  nodewatch serve -c config.yaml
  nodewatch serve -c config.yaml --log-level debug --log-format console`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	serveCmd.Flags().String("log-format", "", "log format: json or console")
	serveCmd.Flags().Int("port", 0, "HTTP API port")
	serveCmd.Flags().Bool("no-watch", false, "do not reload the config file on change")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v := config.Settings(cfg)
	for key, flag := range map[string]string{
		"logging.level":  "log-level",
		"logging.format": "log-format",
		"port":           "port",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	redisCount, httpCount := cfg.NodeCount()
	logger.Info("config loaded",
		zap.String("path", configFile),
		zap.Int("redis_nodes", redisCount),
		zap.Int("http_nodes", httpCount),
	)

	manager := cfg.ConnectionManager(logger)
	defer func() { _ = manager.Close() }()

	client := httpnode.NewClient()
	defer client.Close()

	// shared so nodes kept across reloads see updated names
	resolver := resolve.New(resolve.WithStatic(cfg.Names), resolve.WithLogger(logger))
	deps := config.Deps{
		Redis:    manager,
		HTTP:     client,
		Resolver: resolver,
		Logger:   logger,
	}

	nodes, err := config.BuildNodes(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build nodes: %w", err)
	}

	opts := append(cfg.MonitorOptions(),
		nodewatch.WithPort(v.GetInt("port")),
		nodewatch.WithNodes(nodes...),
		nodewatch.WithLogger(logger),
	)
	m, err := nodewatch.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		config.Watch(ctx, configFile, cfg, logger, func(next *config.Config) {
			nodes, err := config.BuildNodes(next, deps)
			if err != nil {
				logger.Error("reloaded config rejected", zap.Error(err))
				return
			}
			resolver.SetStatic(next.Names)
			if err := m.Reconfigure(nodes); err != nil {
				logger.Error("reconfigure failed", zap.Error(err))
				return
			}
			logger.Info("nodes reconfigured", zap.Int("nodes", len(nodes)))
		})
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- m.Start(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errChan:
	case <-ctx.Done():
		select {
		case runErr = <-errChan:
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				zap.Duration("timeout", shutdownTimeout),
				zap.String("action", "forcing exit"),
			)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		logger.Warn("closing nodes failed", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	logger.Info("shutdown complete")
	return nil
}
