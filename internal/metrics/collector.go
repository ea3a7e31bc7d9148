package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"s3transfer/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s3transfer"

// Collector collects and exposes transfer metrics
type Collector struct {
	registry          *prometheus.Registry
	objectsTotal      *prometheus.CounterVec
	copiesTotal       *prometheus.CounterVec
	bytesTotal        prometheus.Counter
	inflightTasks     prometheus.Gauge
	duration          prometheus.Histogram
	retriesTotal      *prometheus.CounterVec
	abortsTotal       prometheus.Counter
	validationSamples *prometheus.CounterVec
	progressTracker   *progress.Tracker
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		objectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_total",
				Help:      "Objects processed by outcome",
			},
			[]string{"status"},
		),
		copiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "copies_total",
				Help:      "Successful copies by method",
			},
			[]string{"method"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total bytes copied",
			},
		),
		inflightTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_tasks",
				Help:      "Tasks currently being copied",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "object_duration_seconds",
				Help:      "Time taken to copy an object",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts by remote operation",
			},
			[]string{"operation"},
		),
		abortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "multipart_aborts_total",
				Help:      "Multipart uploads aborted after a failure",
			},
		),
		validationSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_samples_total",
				Help:      "Validation sample probes by outcome",
			},
			[]string{"outcome"},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.objectsTotal,
		c.copiesTotal,
		c.bytesTotal,
		c.inflightTasks,
		c.duration,
		c.retriesTotal,
		c.abortsTotal,
		c.validationSamples,
	)

	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncCopied records a copied object
func (c *Collector) IncCopied(method string, bytes int64, d time.Duration) {
	c.objectsTotal.WithLabelValues("copied").Inc()
	c.copiesTotal.WithLabelValues(method).Inc()
	c.bytesTotal.Add(float64(bytes))
	c.duration.Observe(d.Seconds())
	c.progressTracker.AddCopied(bytes)
}

// IncSkipped records an object completed by an earlier run
func (c *Collector) IncSkipped(bytes int64) {
	c.objectsTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkipped(bytes)
}

// IncFailed records a failed object
func (c *Collector) IncFailed() {
	c.objectsTotal.WithLabelValues("failed").Inc()
	c.progressTracker.AddFailed()
}

// AddInflight adjusts the in-flight task gauge
func (c *Collector) AddInflight(delta int) {
	c.inflightTasks.Add(float64(delta))
}

// IncRetry records one retry of a remote operation
func (c *Collector) IncRetry(operation string) {
	c.retriesTotal.WithLabelValues(operation).Inc()
}

// IncAbort records an aborted multipart upload
func (c *Collector) IncAbort() {
	c.abortsTotal.Inc()
}

// ObserveSample records a validation probe outcome
func (c *Collector) ObserveSample(passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	c.validationSamples.WithLabelValues(outcome).Inc()
}

// Handler serves the collector's metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ProgressTracker returns the progress tracker
func (c *Collector) ProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the total counts for progress tracking
func (c *Collector) SetTotalCounts(objects, bytes int64) {
	c.progressTracker.SetTotal(objects, bytes)
}
