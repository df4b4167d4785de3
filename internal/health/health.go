// Package health serves liveness, readiness and component probes for the
// silentauth daemon.
//
// Probes are registered by name and run concurrently on every request to
// /readyz or /healthz. A failing critical probe makes the daemon unhealthy;
// a failing optional probe only degrades it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health of one probe or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one probe run.
type Result struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Latency   time.Duration  `json:"latency_ns"`
}

// Probe inspects one component.
type Probe func(ctx context.Context) Result

type component struct {
	critical bool
	probe    Probe
}

// Checker holds the registered probes and the readiness flag.
type Checker struct {
	mu         sync.RWMutex
	components map[string]component
	last       map[string]Result

	timeout time.Duration
	started time.Time
	ready   atomic.Bool
}

// NewChecker creates a Checker whose probes time out after timeout, or
// DefaultTimeout when timeout is zero.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		components: make(map[string]component),
		last:       make(map[string]Result),
		timeout:    timeout,
		started:    time.Now(),
	}
}

// Add registers probe under name, replacing any earlier probe.
func (c *Checker) Add(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, probe: probe}
	c.last[name] = Result{Status: StatusUnknown}
}

// SetReady marks the daemon as accepting requests.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Ready reports the readiness flag.
func (c *Checker) Ready() bool {
	return c.ready.Load()
}

// Run executes every probe concurrently and returns the results by name.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	c.mu.RLock()
	names := make([]string, 0, len(c.components))
	probes := make([]Probe, 0, len(c.components))
	for name, comp := range c.components {
		names = append(names, name)
		probes = append(probes, comp.probe)
	}
	c.mu.RUnlock()

	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.runOne(ctx, probes[i])
		}(i)
	}
	wg.Wait()

	out := make(map[string]Result, len(names))
	c.mu.Lock()
	for i, name := range names {
		out[name] = results[i]
		if _, ok := c.components[name]; ok {
			c.last[name] = results[i]
		}
	}
	c.mu.Unlock()
	return out
}

// RunOne executes a single named probe.
func (c *Checker) RunOne(ctx context.Context, name string) (Result, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}

	res := c.runOne(ctx, comp.probe)
	c.mu.Lock()
	c.last[name] = res
	c.mu.Unlock()
	return res, true
}

func (c *Checker) runOne(ctx context.Context, probe Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "probe panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- probe(ctx)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = Result{Status: StatusUnhealthy, Message: "probe timed out", Error: ctx.Err().Error()}
	}
	res.CheckedAt = start
	res.Latency = time.Since(start)
	return res
}

// Status aggregates the most recent results. An unrun critical probe
// leaves the daemon unknown.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, res := range c.last {
		critical := c.components[name].critical
		switch {
		case res.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case res.Status == StatusUnknown && critical:
			overall = StatusUnknown
		case res.Status == StatusUnhealthy, res.Status == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the /healthz response body.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs every probe and summarises the daemon.
func (c *Checker) Report(ctx context.Context, withComponents bool) Report {
	results := c.Run(ctx)
	r := Report{
		Status:    c.Status(),
		Ready:     c.Ready(),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	if withComponents {
		r.Components = results
	}
	return r
}

// Handler serves /livez, /readyz and /healthz. /healthz?full=true adds the
// per-component results.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	c.Mount(mux)
	return mux
}

// Mount registers the probe endpoints on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			reply(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		c.Run(r.Context())
		status := c.Status()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		reply(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		reply(w, code, report)
	})
}

func reply(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Ping wraps a connectivity check such as (*sql.DB).PingContext.
func Ping(ping func(ctx context.Context) error) Probe {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "ping ok"}
	}
}

// Integrity reports degraded when verify names identities whose stored
// key failed its integrity check.
func Integrity(verify func(ctx context.Context) ([]string, error)) Probe {
	return func(ctx context.Context) Result {
		bad, err := verify(ctx)
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: "integrity check failed", Error: err.Error()}
		}
		if len(bad) == 0 {
			return Result{Status: StatusHealthy, Message: "all key records verified"}
		}
		sort.Strings(bad)
		return Result{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d key record(s) failed verification", len(bad)),
			Details: map[string]any{"identities": strings.Join(bad, ",")},
		}
	}
}

// FileExists checks that path can be stat'ed.
func FileExists(path string) Probe {
	return func(context.Context) Result {
		info, err := os.Stat(path)
		if err != nil {
			return Result{
				Status:  StatusUnhealthy,
				Message: "file not accessible",
				Error:   err.Error(),
				Details: map[string]any{"path": path},
			}
		}
		return Result{
			Status:  StatusHealthy,
			Message: "file present",
			Details: map[string]any{"path": path, "mode": info.Mode().String()},
		}
	}
}

// Func adapts a plain error-returning check.
func Func(fn func() error) Probe {
	return func(context.Context) Result {
		if err := fn(); err != nil {
			return Result{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "check passed"}
	}
}
