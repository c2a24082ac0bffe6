// Copyright 2024 The wsguard-go Authors
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

// Package monitor provides health checking for the wsguard gateway: the
// shared store's reachability plus process-level system info, exposed on
// the metrics listener.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/turtacn/wsguard-go/pkg/storage"
)

var startTime = time.Now()

// HealthCheck is one registered health probe.
type HealthCheck struct {
	Name      string
	CheckFunc func() error
	Critical  bool
}

// CheckResult is the reported outcome of one probe.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo carries process-level numbers for the detailed endpoint.
type SystemInfo struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status        string                 `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Node          string                 `json:"node"`
	Checks        map[string]CheckResult `json:"checks"`
	SystemInfo    SystemInfo             `json:"system_info"`
}

// HealthChecker runs registered probes and aggregates their results. A
// failing critical check makes the gateway unhealthy; a failing
// non-critical check degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	node    string
	checks  map[string]HealthCheck
	results map[string]CheckResult
}

// NewHealthChecker creates a checker for the named node.
func NewHealthChecker(node string) *HealthChecker {
	return &HealthChecker{
		node:    node,
		checks:  make(map[string]HealthCheck),
		results: make(map[string]CheckResult),
	}
}

// RegisterCheck adds a named probe.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc func() error, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = HealthCheck{Name: name, CheckFunc: checkFunc, Critical: critical}
}

// RegisterStoreCheck adds the standard shared-store reachability probe.
// Every guard stage depends on the store, so this check is critical.
func (hc *HealthChecker) RegisterStoreCheck(store storage.Store) {
	hc.RegisterCheck("shared_store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := store.Get(ctx, "wsguard:healthcheck")
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}, true)
}

// RunChecks executes every registered probe and returns the aggregate.
func (hc *HealthChecker) RunChecks() HealthStatus {
	hc.mu.Lock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.Unlock()

	now := time.Now()
	results := make(map[string]CheckResult, len(checks))
	for _, c := range checks {
		result := CheckResult{Status: "pass", LastChecked: now, Critical: c.Critical}
		if err := c.CheckFunc(); err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			log.Printf("[WARN] Health check %s failed: %v", c.Name, err)
		}
		results[c.Name] = result
	}

	hc.mu.Lock()
	hc.results = results
	hc.mu.Unlock()

	return hc.buildStatus(results)
}

// GetStatus reports the last recorded results without re-running probes.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	results := make(map[string]CheckResult, len(hc.results))
	for name, r := range hc.results {
		results[name] = r
	}
	hc.mu.RUnlock()
	return hc.buildStatus(results)
}

// IsHealthy reports whether all critical checks pass.
func (hc *HealthChecker) IsHealthy() bool {
	return hc.GetStatus().Status != "unhealthy"
}

func (hc *HealthChecker) buildStatus(results map[string]CheckResult) HealthStatus {
	status := "healthy"
	for _, r := range results {
		if r.Status != "fail" {
			continue
		}
		if r.Critical {
			status = "unhealthy"
			break
		}
		status = "degraded"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return HealthStatus{
		Status:        status,
		Timestamp:     time.Now(),
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Node:          hc.node,
		Checks:        results,
		SystemInfo: SystemInfo{
			AllocBytes: mem.Alloc,
			SysBytes:   mem.Sys,
			NumGC:      mem.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
	}
}

// RegisterRoutes mounts the health endpoints on mux. /livez always
// answers 200 while the process runs; /readyz and /healthz reflect the
// registered checks.
func (hc *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := hc.RunChecks()
		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if hc.IsHealthy() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	})
}

// StartPeriodicHealthChecks runs the probes on an interval until ctx is
// canceled, so GetStatus stays fresh between scrapes.
func StartPeriodicHealthChecks(ctx context.Context, checker *HealthChecker, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		checker.RunChecks()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checker.RunChecks()
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[ERROR] Failed to encode health response: %v", err)
	}
}
