// Package metrics provides Prometheus metrics for the tripdata loader.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the loader.
type Metrics struct {
	// Item metrics
	ItemsFetched      *prometheus.CounterVec
	ItemsFetchCached  *prometheus.CounterVec
	ItemsStaged       *prometheus.CounterVec
	ItemsStageSkipped *prometheus.CounterVec
	ItemsFailed       *prometheus.CounterVec

	// Timing metrics
	FetchDuration *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	LoadDuration  *prometheus.HistogramVec

	// Size metrics
	ArtifactBytes *prometheus.HistogramVec
	TableRows     *prometheus.GaugeVec

	// Pipeline metrics
	InFlightItems prometheus.Gauge
	TypeState     *prometheus.GaugeVec

	// Error metrics
	LoadFailures  *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWith(namespace, prometheus.DefaultRegisterer)
}

// InitWith registers metrics on the given registerer.
func InitWith(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tripdata_loader"
	}
	f := promauto.With(reg)

	m := &Metrics{
		ItemsFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_fetched_total",
				Help:      "Total number of artifacts downloaded from the origin",
			},
			[]string{"type"},
		),
		ItemsFetchCached: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_fetch_cached_total",
				Help:      "Total number of fetches satisfied by a local artifact",
			},
			[]string{"type"},
		),
		ItemsStaged: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_staged_total",
				Help:      "Total number of artifacts uploaded to the staging store",
			},
			[]string{"type"},
		),
		ItemsStageSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_stage_skipped_total",
				Help:      "Total number of uploads skipped because the key existed",
			},
			[]string{"type"},
		),
		ItemsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_failed_total",
				Help:      "Total number of work items that failed",
			},
			[]string{"type", "stage"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch one artifact",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"type"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time to stage one artifact",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~300s
			},
			[]string{"type"},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Time for one warehouse load job",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"type"},
		),
		ArtifactBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of fetched artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10), // 1MB to ~512MB
			},
			[]string{"type"},
		),
		TableRows: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "table_rows",
				Help:      "Row count of the destination table after the last load",
			},
			[]string{"type", "table"},
		),
		InFlightItems: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_items",
				Help:      "Number of work items currently being processed",
			},
		),
		TypeState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "type_state",
				Help:      "Current state of each dataset type (1 for the active state)",
			},
			[]string{"type", "state"},
		),
		LoadFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_failures_total",
				Help:      "Total number of failed load jobs",
			},
			[]string{"type"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"type", "operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Server serves /metrics and /health.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server for the given address (e.g. ":9090").
func NewServer(address string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{srv: &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks until the server exits. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// The helpers below are safe to call on a nil *Metrics so callers need not
// check whether metrics are enabled.

// IncFetched records a downloaded artifact.
func (m *Metrics) IncFetched(datasetType string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemsFetched.WithLabelValues(datasetType).Inc()
	m.ArtifactBytes.WithLabelValues(datasetType).Observe(float64(bytes))
	m.FetchDuration.WithLabelValues(datasetType).Observe(d.Seconds())
}

// IncFetchCached records a fetch satisfied from the local cache.
func (m *Metrics) IncFetchCached(datasetType string) {
	if m == nil {
		return
	}
	m.ItemsFetchCached.WithLabelValues(datasetType).Inc()
}

// IncStaged records an uploaded artifact.
func (m *Metrics) IncStaged(datasetType string, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemsStaged.WithLabelValues(datasetType).Inc()
	m.StageDuration.WithLabelValues(datasetType).Observe(d.Seconds())
}

// IncStageSkipped records an upload skipped because the key existed.
func (m *Metrics) IncStageSkipped(datasetType string) {
	if m == nil {
		return
	}
	m.ItemsStageSkipped.WithLabelValues(datasetType).Inc()
}

// IncItemFailed records a failed work item.
func (m *Metrics) IncItemFailed(datasetType, stage string) {
	if m == nil {
		return
	}
	m.ItemsFailed.WithLabelValues(datasetType, stage).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(datasetType, operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(datasetType, operation).Inc()
}

// ObserveLoad records a completed load.
func (m *Metrics) ObserveLoad(datasetType, table string, rows int64, d time.Duration) {
	if m == nil {
		return
	}
	m.LoadDuration.WithLabelValues(datasetType).Observe(d.Seconds())
	m.TableRows.WithLabelValues(datasetType, table).Set(float64(rows))
}

// IncLoadFailures records a failed load.
func (m *Metrics) IncLoadFailures(datasetType string) {
	if m == nil {
		return
	}
	m.LoadFailures.WithLabelValues(datasetType).Inc()
}

// AddInFlight adjusts the in-flight items gauge.
func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlightItems.Add(delta)
}

// SetTypeState marks state as the active state of a dataset type.
func (m *Metrics) SetTypeState(datasetType, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.TypeState.WithLabelValues(datasetType, s).Set(v)
	}
}
