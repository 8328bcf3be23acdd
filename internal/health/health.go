// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every [Checker] and answers 503 if any of them fails or the process is
// draining. Each check is reported with its outcome and how long it took.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/qualivox/internal/clock"
)

const checkTimeout = 5 * time.Second

// Probe outcomes as they appear in the JSON body.
const (
	StatusOK       = "ok"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker probes one dependency. Check must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is anything with a context-aware liveness probe, such as a call
// store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps p as a Checker.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// ErrDisconnected is reported by [ConnChecker] when its probe returns false.
var ErrDisconnected = errors.New("disconnected")

// ConnChecker turns a connection-state probe, such as the NATS publisher's
// Healthy method, into a Checker.
func ConnChecker(name string, healthy func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !healthy() {
			return ErrDisconnected
		}
		return nil
	}}
}

// CheckReport is the outcome of one checker.
type CheckReport struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the /readyz response body. /healthz only fills Status.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckReport `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithClock sets the clock used to time checks.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clk = c }
}

// WithDraining makes /readyz fail while draining returns true, before any
// checker runs.
func WithDraining(draining func() bool) Option {
	return func(h *Handler) { h.draining = draining }
}

// Handler serves both probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	clk      clock.Clock
	draining func() bool
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), clk: clock.Real{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Report{Status: StatusOK})
	})
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining != nil && h.draining() {
		writeJSON(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Check runs every checker concurrently, each under its own deadline, and
// aggregates the results.
func (h *Handler) Check(ctx context.Context) Report {
	reports := make([]CheckReport, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() { reports[i] = h.run(ctx, c) })
	}
	wg.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckReport, len(h.checkers))}
	for i, c := range h.checkers {
		rep.Checks[c.Name] = reports[i]
		if reports[i].Status != StatusOK {
			rep.Status = StatusFail
		}
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckReport {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := h.clk.Now()
	err := c.Check(ctx)
	cr := CheckReport{
		Status:    StatusOK,
		LatencyMS: float64(h.clk.Now().Sub(start).Microseconds()) / 1000,
	}
	if err != nil {
		cr.Status = StatusFail
		cr.Error = err.Error()
	}
	return cr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
