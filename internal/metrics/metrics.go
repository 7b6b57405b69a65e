// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/nft-market/internal/model"
)

var (
	// OperationsTotal counts ledger operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_ledger_operations_total",
		Help: "Ledger operations by operation and result",
	}, []string{"op", "result"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ListingsCreated counts listing_created events, including re-pricing.
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_listings_created_total",
		Help: "Listings created or re-priced",
	})

	ListingsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_listings_removed_total",
		Help: "Listings cancelled by their seller",
	})

	// ItemsSold counts completed purchases per collection.
	ItemsSold = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_items_sold_total",
		Help: "Completed purchases",
	}, []string{"collection"})

	// SaleVolume tracks cumulative listed price of sold items per collection.
	SaleVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_sale_volume_total",
		Help: "Cumulative sale volume in smallest currency units",
	}, []string{"collection"})

	ProceedsWithdrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_proceeds_withdrawn_total",
		Help: "Cumulative proceeds paid out in smallest currency units",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records the outcome and latency of one ledger call.
// result is the error's short name, or "ok".
func ObserveOperation(op, result string, start time.Time) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Sink counts committed ledger events.
type Sink struct{}

func (Sink) Publish(_ context.Context, e model.Event) {
	switch e.Type {
	case model.EventListingCreated:
		ListingsCreated.Inc()
	case model.EventListingRemoved:
		ListingsRemoved.Inc()
	case model.EventItemSold:
		ItemsSold.WithLabelValues(e.Collection).Inc()
		if e.Price != nil {
			v, _ := e.Price.Float64()
			SaleVolume.WithLabelValues(e.Collection).Add(v)
		}
	case model.EventProceedsWithdrawn:
		if e.Amount != nil {
			v, _ := e.Amount.Float64()
			ProceedsWithdrawn.Add(v)
		}
	}
}
