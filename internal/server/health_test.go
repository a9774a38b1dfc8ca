package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstorehq/coldstore/internal/server"
)

func startMetricsServer(t *testing.T) (addr string, ms *server.MetricsServer) {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(probe.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	probe.Close()

	reg := prometheus.NewRegistry()
	ms = server.NewMetricsServer(server.MetricsServerConfig{Host: "127.0.0.1", Port: port, DataDir: t.TempDir()}, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go ms.ListenAndServe(ctx)
	t.Cleanup(cancel)

	addr = net.JoinHostPort("127.0.0.1", portStr)
	waitForDial(t, addr)
	return addr, ms
}

func TestReadinessReflectsSetReady(t *testing.T) {
	addr, ms := startMetricsServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ms.SetReady(true)

	resp2, err := http.Get(fmt.Sprintf("http://%s/readyz", addr))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
}

func TestLivenessAlwaysOK(t *testing.T) {
	addr, _ := startMetricsServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	addr, _ := startMetricsServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
