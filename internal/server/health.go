package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics alongside liveness and readiness
// probes on one HTTP listener, separate from the frame protocol's TCP
// listener.
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
	dataDir    string

	mu    sync.RWMutex
	ready bool
}

// MetricsServerConfig configures the metrics/health HTTP listener.
type MetricsServerConfig struct {
	Host    string
	Port    int
	Path    string
	DataDir string
}

// NewMetricsServer builds a MetricsServer that serves the metrics gathered
// from reg (typically prometheus.DefaultGatherer). It starts not ready; call SetReady(true)
// once the Data Store has finished Open.
func NewMetricsServer(cfg MetricsServerConfig, reg prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	ms := &MetricsServer{logger: logger, dataDir: cfg.DataDir}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", ms.livenessHandler)
	mux.HandleFunc("/readyz", ms.readinessHandler)

	ms.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return ms
}

// SetReady flips the readiness flag reported by /readyz.
func (ms *MetricsServer) SetReady(ready bool) {
	ms.mu.Lock()
	ms.ready = ready
	ms.mu.Unlock()
}

func (ms *MetricsServer) isReady() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.ready
}

// ListenAndServe blocks serving HTTP until ctx is canceled, then shuts down
// gracefully.
func (ms *MetricsServer) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- ms.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ms.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (ms *MetricsServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (ms *MetricsServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if !ms.isReady() {
		writeHealthJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "data store not open"})
		return
	}
	if ms.dataDir != "" && !diskHasSpace(ms.dataDir, ms.logger) {
		writeHealthJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "disk space low"})
		return
	}
	writeHealthJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// diskHasSpace fails open: an inability to statfs the data directory should
// not itself flip readiness to false.
func diskHasSpace(dir string, logger *zap.Logger) bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		logger.Warn("health: statfs failed", zap.String("dir", dir), zap.Error(err))
		return true
	}
	if stat.Blocks == 0 {
		return true
	}
	available := float64(stat.Bavail) / float64(stat.Blocks)
	return available > 0.02
}

func writeHealthJSON(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
