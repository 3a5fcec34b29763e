// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sale modes used as the "mode" label.
const (
	ModeFixed   = "fixed"
	ModeAuction = "auction"
)

var (
	// ListingsTotal counts assets put up for sale, partitioned by mode.
	ListingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_listings_total",
		Help: "Total number of assets listed for sale",
	}, []string{"mode"})

	// ActiveListings tracks open listings and running auctions.
	ActiveListings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketplace_active_listings",
		Help: "Number of open listings and running auctions",
	}, []string{"mode"})

	// SalesTotal counts completed sales, partitioned by mode.
	SalesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_sales_total",
		Help: "Total number of completed sales",
	}, []string{"mode"})

	// SettledVolume tracks cumulative currency paid to sellers.
	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_settled_volume_total",
		Help: "Cumulative currency paid to sellers",
	}, []string{"mode"})

	// BidsTotal counts accepted bids.
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_bids_total",
		Help: "Total number of accepted bids",
	})

	// AuctionResolutions counts finished auctions by outcome.
	AuctionResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_auction_resolutions_total",
		Help: "Finished or cancelled auctions by resolution",
	}, []string{"resolution"})

	// Rejections counts operations refused by a precondition.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_rejections_total",
		Help: "Operations rejected by validation",
	}, []string{"operation", "reason"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_operation_latency_seconds",
		Help:    "Marketplace operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
