// Package httpserver exposes the WebSocket endpoint, health probes and Prometheus metrics over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/metrics"
)

// Pinger checks a dependency needed to serve queries.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers and probes mounted by NewRouter.
type Deps struct {
	WS       http.Handler
	DB       Pinger
	Draining func() bool
	Logger   *zap.Logger
}

type probe struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter mounts /ws, /healthz, /readyz and /metrics.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, Metrics)

	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, probe{Status: "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if d.Draining != nil && d.Draining() {
			writeProbe(w, http.StatusServiceUnavailable, probe{Status: "draining"})
			return
		}
		if d.DB != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := d.DB.Ping(ctx); err != nil {
				d.Logger.Warn("readiness ping", zap.Error(err))
				writeProbe(w, http.StatusServiceUnavailable, probe{Status: "fail", Error: err.Error()})
				return
			}
		}
		writeProbe(w, http.StatusOK, probe{Status: "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeProbe(w http.ResponseWriter, code int, p probe) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(p)
}

// Metrics counts requests by method, route pattern and status. The pattern keeps label
// cardinality bounded.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
