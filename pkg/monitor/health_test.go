// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/emqx-core/pkg/broker"
)

type staticStats broker.Stats

func (s staticStats) Stats() broker.Stats { return broker.Stats(s) }

func newTestServer() (*HealthChecker, *HealthServer) {
	hc := NewHealthChecker("node1", "1.2.3")
	return hc, NewHealthServer(hc, staticStats{NodeID: "node1", Connections: 3, Sessions: 5, Pending: 7, PendingDropped: 2})
}

func serve(t *testing.T, h http.HandlerFunc, method, path string) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func failing(context.Context) error { return assert.AnError }

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")

	assert.True(t, hc.IsHealthy())
	assert.Contains(t, hc.checks, "memory")
	assert.Contains(t, hc.checks, "goroutines")
}

func TestHealthCheckerRegisterCheck(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")

	checkCalled := false
	hc.RegisterCheck("test", func(context.Context) error {
		checkCalled = true
		return nil
	}, false)

	assert.True(t, hc.checks["test"].Enabled)
	assert.False(t, hc.checks["test"].Critical)

	hc.RunChecks(context.Background())
	assert.True(t, checkCalled)

	hc.UnregisterCheck("test")
	assert.NotContains(t, hc.checks, "test")
}

func TestHealthCheckerEnableDisableCheck(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")
	hc.RegisterCheck("disabled", func(context.Context) error {
		t.Error("disabled check should not be called")
		return nil
	}, true)

	hc.DisableCheck("disabled")
	status := hc.RunChecks(context.Background())
	assert.NotContains(t, status.Checks, "disabled")
	assert.True(t, hc.IsHealthy())

	hc.EnableCheck("disabled")
	assert.True(t, hc.checks["disabled"].Enabled)
}

func TestHealthCheckerRunChecks(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")
	hc.RegisterCheck("success", func(context.Context) error { return nil }, false)
	hc.RegisterCheck("fail", failing, false)
	hc.RegisterCheck("critical_fail", failing, true)

	status := hc.RunChecks(context.Background())

	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "node1", status.Node)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "passed", status.Checks["success"].Status)
	assert.Equal(t, "failed", status.Checks["fail"].Status)
	assert.Equal(t, "failed", status.Checks["critical_fail"].Status)
	assert.True(t, status.Checks["critical_fail"].Critical)
	assert.False(t, hc.IsHealthy())

	// Only critical checks affect the verdict.
	hc.UnregisterCheck("critical_fail")
	status = hc.RunChecks(context.Background())
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthCheckerGetStatus(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")
	hc.RegisterCheck("test", func(context.Context) error { return nil }, false)

	assert.Equal(t, "unknown", hc.GetStatus().Checks["test"].Status)

	hc.RunChecks(context.Background())
	status := hc.GetStatus()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "passed", status.Checks["test"].Status)
}

func TestHealthStatusSystemInfo(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")
	status := hc.RunChecks(context.Background())

	assert.Greater(t, status.SystemInfo.Memory.Alloc, uint64(0))
	assert.Greater(t, status.SystemInfo.Goroutines, 0)
	assert.NotEmpty(t, status.SystemInfo.OSInfo.OS)
	assert.Greater(t, status.SystemInfo.OSInfo.NumCPU, 0)
}

func TestHealthCheckerRun(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")
	var mu sync.Mutex
	calls := 0
	hc.RegisterCheck("count", func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hc.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestHealthCheckerConcurrentAccess(t *testing.T) {
	hc := NewHealthChecker("node1", "1.2.3")
	hc.RegisterCheck("concurrent", func(context.Context) error { return nil }, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hc.RunChecks(context.Background())
			hc.IsHealthy()
			hc.GetStatus()
		}()
	}
	wg.Wait()
	assert.True(t, hc.IsHealthy())
}

func TestHealthServerBasicHealth(t *testing.T) {
	_, server := newTestServer()

	rr := serve(t, server.handleHealth, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body nodeHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "node1", body.Node)
	assert.Equal(t, 3, body.Connections)
	assert.Equal(t, 5, body.Sessions)
	assert.Equal(t, 7, body.Pending)
	assert.Equal(t, uint64(2), body.PendingDropped)
	assert.NotEmpty(t, body.Time)
}

func TestHealthServerUnhealthy(t *testing.T) {
	hc, server := newTestServer()
	hc.RegisterCheck("critical", failing, true)
	hc.RunChecks(context.Background())

	rr := serve(t, server.handleHealth, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body nodeHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)

	rr = serve(t, server.handleReadiness, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service Unavailable", rr.Body.String())

	// Liveness does not depend on checks.
	rr = serve(t, server.handleLiveness, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestHealthServerReadiness(t *testing.T) {
	_, server := newTestServer()

	rr := serve(t, server.handleReadiness, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestHealthServerDetailedHealth(t *testing.T) {
	hc, server := newTestServer()
	hc.RegisterCheck("test", func(context.Context) error { return nil }, false)

	rr := serve(t, server.handleDetailedHealth, http.MethodGet, "/health/detailed")
	assert.Equal(t, http.StatusOK, rr.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "passed", status.Checks["test"].Status)
	assert.Equal(t, "1.2.3", status.Version)
}

func TestHealthServerMethodNotAllowed(t *testing.T) {
	_, server := newTestServer()

	for _, h := range []http.HandlerFunc{server.handleHealth, server.handleLiveness, server.handleReadiness, server.handleDetailedHealth} {
		rr := serve(t, h, http.MethodPost, "/health")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestHealthServerRoutes(t *testing.T) {
	_, server := newTestServer()
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
