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

// Package monitor provides health checking for the broker node: registered
// checks, process information and the HTTP endpoints probes talk to.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/emqx-core/pkg/broker"
	"github.com/turtacn/emqx-core/pkg/logger"
	"go.uber.org/zap"
)

const (
	memoryLimit    = 8 << 30
	goroutineLimit = 100000
	slowCheck      = time.Second
)

// CheckFunc reports a problem by returning an error.
type CheckFunc func(ctx context.Context) error

// HealthCheck is a registered check and its last outcome.
type HealthCheck struct {
	Name        string
	CheckFunc   CheckFunc
	Critical    bool
	LastChecked time.Time
	LastError   error
	Enabled     bool
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	Memory     MemoryInfo `json:"memory"`
	Goroutines int        `json:"goroutines"`
	OSInfo     OSInfo     `json:"os_info"`
}

// MemoryInfo contains memory usage information
type MemoryInfo struct {
	Alloc      uint64  `json:"alloc"`
	TotalAlloc uint64  `json:"total_alloc"`
	Sys        uint64  `json:"sys"`
	NumGC      uint32  `json:"num_gc"`
	GCPause    float64 `json:"gc_pause_ms"`
}

// OSInfo contains operating system information
type OSInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
	NumCPU   int    `json:"num_cpu"`
	Compiler string `json:"compiler"`
}

// HealthChecker runs the registered checks of a node.
type HealthChecker struct {
	mu sync.RWMutex

	node    string
	version string
	started time.Time

	healthy   bool
	lastCheck time.Time
	errors    []string

	memStats       runtime.MemStats
	goroutineCount int

	checks map[string]HealthCheck
	log    *zap.Logger
}

// NewHealthChecker creates a checker for node with the process checks
// registered.
func NewHealthChecker(node, version string) *HealthChecker {
	hc := &HealthChecker{
		node:      node,
		version:   version,
		started:   time.Now(),
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]HealthCheck),
		log:       logger.Named("monitor"),
	}

	hc.RegisterCheck("memory", func(context.Context) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Sys > memoryLimit {
			return fmt.Errorf("high memory usage: %d bytes", m.Sys)
		}
		return nil
	}, false)

	hc.RegisterCheck("goroutines", func(context.Context) error {
		if count := runtime.NumGoroutine(); count > goroutineLimit {
			return fmt.Errorf("high goroutine count: %d", count)
		}
		return nil
	}, false)

	return hc
}

// RegisterCheck registers a new health check. A failing critical check
// marks the node unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = HealthCheck{
		Name:      name,
		CheckFunc: check,
		Critical:  critical,
		Enabled:   true,
	}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.checks, name)
}

// EnableCheck enables a health check
func (hc *HealthChecker) EnableCheck(name string) {
	hc.setEnabled(name, true)
}

// DisableCheck disables a health check
func (hc *HealthChecker) DisableCheck(name string) {
	hc.setEnabled(name, false)
}

func (hc *HealthChecker) setEnabled(name string, enabled bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if check, exists := hc.checks[name]; exists {
		check.Enabled = enabled
		hc.checks[name] = check
	}
}

// RunChecks executes every enabled check. Checks run without the checker's
// lock held, so a check may take as long as ctx allows.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	pending := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		if check.Enabled {
			pending = append(pending, check)
		}
	}
	hc.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })

	now := time.Now()
	for i := range pending {
		start := time.Now()
		pending[i].LastError = pending[i].CheckFunc(ctx)
		pending[i].LastChecked = now
		if d := time.Since(start); d > slowCheck {
			hc.log.Warn("Slow health check", zap.String("check", pending[i].Name), zap.Duration("took", d))
		}
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lastCheck = now
	hc.updateSystemMetrics()

	healthy := true
	var criticalErrors []string
	for _, check := range pending {
		current, ok := hc.checks[check.Name]
		if !ok {
			continue
		}
		current.LastChecked = check.LastChecked
		current.LastError = check.LastError
		hc.checks[check.Name] = current
		if check.LastError != nil && check.Critical {
			criticalErrors = append(criticalErrors, fmt.Sprintf("%s: %s", check.Name, check.LastError))
			healthy = false
		}
	}
	hc.healthy = healthy
	hc.errors = criticalErrors
	if !healthy {
		hc.log.Warn("Node unhealthy", zap.Strings("errors", criticalErrors))
	}
	return hc.statusLocked()
}

// GetStatus returns the current health status without running checks
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked()
}

func (hc *HealthChecker) statusLocked() HealthStatus {
	checkResults := make(map[string]CheckResult)
	for name, check := range hc.checks {
		if !check.Enabled {
			continue
		}

		status := "unknown"
		message := ""
		if !check.LastChecked.IsZero() {
			if check.LastError != nil {
				status = "failed"
				message = check.LastError.Error()
			} else {
				status = "passed"
			}
		}

		checkResults[name] = CheckResult{
			Status:      status,
			LastChecked: check.LastChecked,
			Message:     message,
			Critical:    check.Critical,
		}
	}

	return HealthStatus{
		Status:     hc.getOverallStatus(),
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.version,
		Node:       hc.node,
		Checks:     checkResults,
		SystemInfo: hc.getSystemInfo(),
	}
}

// IsHealthy returns true if no critical check failed on the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Run executes the checks every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		hc.RunChecks(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (hc *HealthChecker) updateSystemMetrics() {
	runtime.ReadMemStats(&hc.memStats)
	hc.goroutineCount = runtime.NumGoroutine()
}

func (hc *HealthChecker) getSystemInfo() SystemInfo {
	var gcPause float64
	if hc.memStats.NumGC > 0 {
		gcPause = float64(hc.memStats.PauseNs[(hc.memStats.NumGC+255)%256]) / 1000000.0
	}

	return SystemInfo{
		Memory: MemoryInfo{
			Alloc:      hc.memStats.Alloc,
			TotalAlloc: hc.memStats.TotalAlloc,
			Sys:        hc.memStats.Sys,
			NumGC:      hc.memStats.NumGC,
			GCPause:    gcPause,
		},
		Goroutines: hc.goroutineCount,
		OSInfo: OSInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  runtime.Version(),
			NumCPU:   runtime.NumCPU(),
			Compiler: runtime.Compiler,
		},
	}
}

func (hc *HealthChecker) getOverallStatus() string {
	if hc.healthy {
		return "healthy"
	}
	return "unhealthy"
}

// StatsSource reports the registry counters of the node.
type StatsSource interface {
	Stats() broker.Stats
}

// HealthServer provides HTTP endpoints for health checking
type HealthServer struct {
	checker *HealthChecker
	stats   StatsSource
	log     *zap.Logger
}

// NewHealthServer creates a new health server instance
func NewHealthServer(checker *HealthChecker, stats StatsSource) *HealthServer {
	return &HealthServer{
		checker: checker,
		stats:   stats,
		log:     logger.Named("monitor"),
	}
}

// RegisterRoutes registers health check routes
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
	mux.HandleFunc("/health/detailed", hs.handleDetailedHealth)
}

// Serve serves the health endpoints on addr until ctx is done.
func (hs *HealthServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	hs.RegisterRoutes(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	hs.log.Info("Health server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// nodeHealth is the body of /health.
type nodeHealth struct {
	Status         string `json:"status"`
	Time           string `json:"time"`
	Node           string `json:"node"`
	Connections    int    `json:"connections"`
	Sessions       int    `json:"sessions"`
	Pending        int    `json:"pending"`
	PendingDropped uint64 `json:"pending_dropped"`
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := nodeHealth{Status: "ok", Time: time.Now().Format(time.RFC3339), Node: hs.checker.node}
	if hs.stats != nil {
		stats := hs.stats.Stats()
		body.Node = stats.NodeID
		body.Connections = stats.Connections
		body.Sessions = stats.Sessions
		body.Pending = stats.Pending
		body.PendingDropped = stats.PendingDropped
	}
	code := http.StatusOK
	if !hs.checker.IsHealthy() {
		body.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, code, body)
}

// handleLiveness answers as long as the process serves HTTP.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
	}
}

func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := hs.checker.RunChecks(r.Context())
	statusCode := http.StatusOK
	if status.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	hs.writeJSON(w, statusCode, status)
}

func (hs *HealthServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		hs.log.Warn("Failed to encode health response", zap.Error(err))
	}
}
