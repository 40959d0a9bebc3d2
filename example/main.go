// Command example monitors a local mock health server and a Redis server.
//
//	go run ./example
//	REDIS_HOST=10.0.0.5 go run ./example
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jpalmerr/nodewatch"
	"github.com/jpalmerr/nodewatch/httpnode"
	"github.com/jpalmerr/nodewatch/redisnode"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Error("example failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mock := &http.Server{Addr: "localhost:9999", Handler: newMockHealthHandler(logger)}
	go func() {
		if err := mock.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock server error", zap.Error(err))
		}
	}()
	defer func() { _ = mock.Close() }()

	client := httpnode.NewClient()
	defer client.Close()

	var nodes []nodewatch.Node
	for _, svc := range []string{"users", "orders", "payments"} {
		ep, err := httpnode.New("mock "+svc, "http://localhost:9999/health?svc="+svc, client,
			httpnode.WithInterval(5*time.Second),
			httpnode.WithLabels("svc", svc),
			httpnode.WithExtractor(httpnode.JSONFieldExtractor("status")),
			httpnode.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		nodes = append(nodes, ep)
	}

	// one manager shared by every redis instance
	manager := redisnode.NewConnectionManager(
		redisnode.WithClientName("nodewatch-example"),
		redisnode.WithManagerLogger(logger),
	)
	defer func() { _ = manager.Close() }()

	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	cache, err := redisnode.New(redisnode.ConnectionInfo{Name: "cache", Host: host, Port: 6379}, manager,
		redisnode.WithMinPollInterval(5*time.Second),
		redisnode.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	nodes = append(nodes, cache)

	m, err := nodewatch.New(
		nodewatch.WithNodes(nodes...),
		nodewatch.WithPort(8080),
		nodewatch.WithTitle("nodewatch example"),
		nodewatch.WithLogger(logger),
		nodewatch.WithStatusCallback(func(s nodewatch.StatusResult) {
			logger.Info("status",
				zap.String("node", s.Name),
				zap.String("severity", s.Signal.Severity.String()),
				zap.String("reason", s.Signal.Reason),
			)
		}),
	)
	if err != nil {
		return err
	}

	logger.Info("serving status on http://localhost:8080/api/status, Ctrl+C to stop")
	if err := m.Start(ctx); err != nil {
		return err
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Close(closeCtx)
}
