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

// Package monitor provides health checking for the gateway: registered
// dependency checks such as the session store and the ingestion sink, and
// the HTTP endpoints that report them.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkTimeout bounds a single check run.
const checkTimeout = 3 * time.Second

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// StatsFunc returns counters shown by the detailed health endpoint.
type StatsFunc func(ctx context.Context) (map[string]int, error)

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	Check       CheckFunc
	Critical    bool
	LastChecked time.Time
	LastError   error
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    int64                  `json:"uptime"`
	Version   string                 `json:"version"`
	Node      string                 `json:"node"`
	Checks    map[string]CheckResult `json:"checks"`
	Stats     map[string]int         `json:"stats,omitempty"`
	Runtime   RuntimeInfo            `json:"runtime"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// RuntimeInfo contains process level information.
type RuntimeInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// HealthChecker runs registered checks and remembers their last outcome.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]*HealthCheck
	healthy bool
	started time.Time
	version string
	node    string
	stats   StatsFunc
	logger  *zap.Logger
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(node, version string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		checks:  make(map[string]*HealthCheck),
		healthy: true,
		started: time.Now(),
		version: version,
		node:    node,
		logger:  logger,
	}
}

// RegisterCheck registers a new health check. A failing critical check makes
// the gateway unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &HealthCheck{Name: name, Check: check, Critical: critical}
}

// SetStats installs the counters reported by the detailed endpoint.
func (hc *HealthChecker) SetStats(stats StatsFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.stats = stats
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	stats := hc.stats
	hc.mu.RUnlock()

	now := time.Now()
	errs := make([]error, len(checks))
	for i, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		errs[i] = c.Check(cctx)
		cancel()
		if d := time.Since(start); d > time.Second {
			hc.logger.Warn("slow health check", zap.String("check", c.Name), zap.Duration("took", d))
		}
	}

	hc.mu.Lock()
	healthy := true
	for i, c := range checks {
		c.LastChecked = now
		c.LastError = errs[i]
		if errs[i] != nil {
			hc.logger.Warn("health check failed", zap.String("check", c.Name), zap.Error(errs[i]))
			if c.Critical {
				healthy = false
			}
		}
	}
	hc.healthy = healthy
	status := hc.statusLocked(now)
	hc.mu.Unlock()

	if stats != nil {
		s, err := stats(ctx)
		if err != nil {
			hc.logger.Warn("failed to collect stats", zap.Error(err))
		}
		status.Stats = s
	}
	return status
}

// GetStatus returns the current health status without running checks
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked(time.Now())
}

func (hc *HealthChecker) statusLocked(now time.Time) HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		r := CheckResult{Status: "unknown", LastChecked: c.LastChecked, Critical: c.Critical}
		if !c.LastChecked.IsZero() {
			r.Status = "passed"
			if c.LastError != nil {
				r.Status = "failed"
				r.Message = c.LastError.Error()
			}
		}
		results[name] = r
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	status := "healthy"
	if !hc.healthy {
		status = "unhealthy"
	}
	return HealthStatus{
		Status:    status,
		Timestamp: now,
		Uptime:    int64(now.Sub(hc.started).Seconds()),
		Version:   hc.version,
		Node:      hc.node,
		Checks:    results,
		Runtime: RuntimeInfo{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  mem.HeapAlloc,
			NumGC:      mem.NumGC,
			GoVersion:  runtime.Version(),
		},
	}
}

// IsHealthy returns true if no critical check failed on the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Run executes the checks every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	hc.RunChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

// RegisterRoutes registers health check routes
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hc.handleHealth)
	mux.HandleFunc("/health/live", hc.handleLiveness)
	mux.HandleFunc("/health/ready", hc.handleHealth)
	mux.HandleFunc("/health/detailed", hc.handleDetailed)
}

// handleHealth reports the outcome of the last check run.
func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code, status := http.StatusOK, "ok"
	if !hc.IsHealthy() {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (hc *HealthChecker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleDetailed runs the checks and returns the full status.
func (hc *HealthChecker) handleDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hc.RunChecks(r.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
