// Command server runs one replica of the frozen versioned catalog: a TCP
// listener speaking the frame protocol backed by a Data Store, plus a
// separate HTTP listener for Prometheus metrics and health probes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/coldstorehq/coldstore/internal/config"
	"github.com/coldstorehq/coldstore/internal/datastore"
	"github.com/coldstorehq/coldstore/internal/metrics"
	"github.com/coldstorehq/coldstore/internal/server"
)

func main() {
	configPath := flag.String("conf", "./server.yaml", "path to the server configuration file")
	flag.Parse()

	logger, err := initLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger, err = initLogger(cfg.Logging.Level)
	if err != nil {
		logger.Fatal("failed to rebuild logger from config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	m := metrics.NewWithRegisterer(prometheus.DefaultRegisterer)

	store := datastore.New(cfg.Storage.DataDir, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Open(ctx); err != nil {
		logger.Fatal("failed to open data store", zap.Error(err))
	}
	defer store.Close()

	metricsSrv := server.NewMetricsServer(server.MetricsServerConfig{
		Host:    cfg.Metrics.Host,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
		DataDir: cfg.Storage.DataDir,
	}, prometheus.DefaultGatherer, logger)
	metricsSrv.SetReady(true)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsSrv.ListenAndServe(ctx); err != nil {
				logger.Error("metrics server stopped with error", zap.Error(err))
			}
		}()
	}

	srv := server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		MaxConnections:    cfg.Server.MaxConnections,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		FeedQueueCapacity: cfg.Server.FeedQueueCapacity,
	}, cfg.CollectionDefault, store, logger, m)

	logger.Info("server starting", zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server shut down cleanly")
}

func initLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	lvl := zap.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			zapCfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return zapCfg.Build()
}
