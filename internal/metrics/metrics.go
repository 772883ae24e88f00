package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the box exports on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// TagsTotal counts presented tags by outcome
	// (operator, lock, unlock, reject, error, timeout).
	TagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carshare_box_tags_total",
			Help: "Tags presented to the reader, by outcome.",
		},
		[]string{"outcome"},
	)

	// TelemetryCyclesTotal counts telemetry cycles by outcome
	// (sent, failed, deferred-tag, deferred-firmware).
	TelemetryCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carshare_box_telemetry_cycles_total",
			Help: "Telemetry cycles, by outcome.",
		},
		[]string{"outcome"},
	)

	// ConnectAttemptsTotal counts EnsureConnected calls that had to bring
	// the link up (connected, failed, timeout).
	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carshare_box_connect_attempts_total",
			Help: "Network link bring-up attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// LinkConnected is 1 while the network link is up.
	LinkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "carshare_box_link_connected",
			Help: "Network link status (1=connected, 0=not connected).",
		},
	)

	// SequencesTotal counts command sequences by target and result.
	SequencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carshare_box_sequences_total",
			Help: "Vehicle lock/unlock sequences, by target and result.",
		},
		[]string{"target", "result"},
	)

	// RequestLatency tracks remote API round trips.
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carshare_box_request_latency_seconds",
			Help:    "Latency of remote API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// FirmwareUpdatesTotal counts firmware update attempts by outcome.
	FirmwareUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carshare_box_firmware_updates_total",
			Help: "Firmware update attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		TagsTotal,
		TelemetryCyclesTotal,
		ConnectAttemptsTotal,
		LinkConnected,
		SequencesTotal,
		RequestLatency,
		FirmwareUpdatesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the box registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done. An empty addr
// disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
