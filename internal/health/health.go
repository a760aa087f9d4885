// Package health serves the liveness and readiness endpoints of EchoForge.
//
//   - /healthz: liveness; 200 whenever the process answers HTTP.
//   - /readyz: readiness; 503 only when a required [Checker] fails.
//
// Players keep getting answers while the conversation store or a model
// backend is down, from a lower fallback tier. Such dependencies are
// optional checkers: their failure reports "degraded" and the endpoint still passes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds one check unless [WithTimeout] says otherwise.
const DefaultTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named dependency check.
type Checker struct {
	// Name keys the check in the report, e.g. "store" or "llm".
	Name string

	// Check returns nil while the dependency is usable. It must return once
	// ctx is done.
	Check func(ctx context.Context) error

	// Optional marks a dependency EchoForge can serve without.
	Optional bool
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Optional  bool   `json:"optional,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the body of both endpoints.
type Report struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves both endpoints over a fixed list of checkers.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	version  string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout bounds each check. Non-positive values keep [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithVersion adds the build version to every report.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// New returns a handler running checkers concurrently on every /readyz.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports the process as alive without running any check.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: StatusOK, Version: h.version})
}

// Readyz runs the checkers and answers 503 when a required one failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Evaluate runs every checker under its own timeout and folds the results:
// a failed required check fails the report, a failed optional one degrades
// it.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() { results[i] = h.run(ctx, c) })
	}
	wg.Wait()

	rep := Report{Status: StatusOK, Version: h.version, Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		if res.Status == StatusOK {
			continue
		}
		if !c.Optional {
			rep.Status = StatusFail
		} else if rep.Status == StatusOK {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, Optional: c.Optional, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = StatusFail, err.Error()
	}
	return res
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
