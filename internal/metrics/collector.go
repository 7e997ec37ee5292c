// Package metrics exposes engine counters through a private Prometheus registry.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector gathers read, fetch, and cache metrics for a mount.
// A nil Collector is valid and records nothing, so components do not
// need to guard every call site.
type Collector struct {
	registry *prometheus.Registry

	readCounter      *prometheus.CounterVec
	readBytes        *prometheus.CounterVec
	readDuration     prometheus.Histogram
	fetchCounter     *prometheus.CounterVec
	fetchBytes       prometheus.Counter
	fetchRetries     prometheus.Counter
	fetchInFlight    prometheus.Gauge
	cacheHitCounter  prometheus.Counter
	cacheMissCounter prometheus.Counter
	cacheEvictions   prometheus.Counter
	cacheSizeGauge   prometheus.Gauge

	server *http.Server
}

// NewCollector creates a metrics collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		readCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "reads_total",
			Help:      "Read requests served, by access mode.",
		}, []string{"mode"}),
		readBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "read_bytes_total",
			Help:      "Bytes served to readers, by access mode.",
		}, []string{"mode"}),
		readDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "httpfs",
			Name:      "read_duration_seconds",
			Help:      "Wall time per read request.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		fetchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "fetches_total",
			Help:      "HTTP range fetches, by outcome.",
		}, []string{"outcome"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "fetched_bytes_total",
			Help:      "Bytes downloaded from the remote resource.",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts beyond the first, per segment.",
		}),
		fetchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpfs",
			Name:      "fetches_in_flight",
			Help:      "HTTP requests currently outstanding.",
		}),
		cacheHitCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "cache_hits_total",
			Help:      "Reads satisfied from already-ready segments.",
		}),
		cacheMissCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "cache_misses_total",
			Help:      "Reads that had to wait for a fetch.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "httpfs",
			Name:      "cache_evictions_total",
			Help:      "Segments dropped from the cache.",
		}),
		cacheSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpfs",
			Name:      "cache_bytes",
			Help:      "Bytes currently held by the segment cache.",
		}),
	}

	c.registry.MustRegister(
		c.readCounter, c.readBytes, c.readDuration,
		c.fetchCounter, c.fetchBytes, c.fetchRetries, c.fetchInFlight,
		c.cacheHitCounter, c.cacheMissCounter, c.cacheEvictions, c.cacheSizeGauge,
	)

	return c
}

// Serve exposes /metrics on the given port until the context is canceled.
// Port 0 disables the endpoint.
func (c *Collector) Serve(ctx context.Context, port int) error {
	if c == nil || port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().Error("metrics server stopped", "error", err)
		}
	}()

	return nil
}

// RecordRead records a completed read request.
func (c *Collector) RecordRead(mode string, bytes int, duration time.Duration) {
	if c == nil {
		return
	}
	c.readCounter.WithLabelValues(mode).Inc()
	c.readBytes.WithLabelValues(mode).Add(float64(bytes))
	c.readDuration.Observe(duration.Seconds())
}

// RecordFetch records a completed fetch attempt chain.
func (c *Collector) RecordFetch(outcome string, bytes int) {
	if c == nil {
		return
	}
	c.fetchCounter.WithLabelValues(outcome).Inc()
	c.fetchBytes.Add(float64(bytes))
}

// RecordRetry records one retry of a fetch.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.fetchRetries.Inc()
}

// FetchStarted marks an HTTP request as in flight.
func (c *Collector) FetchStarted() {
	if c == nil {
		return
	}
	c.fetchInFlight.Inc()
}

// FetchFinished marks an HTTP request as no longer in flight.
func (c *Collector) FetchFinished() {
	if c == nil {
		return
	}
	c.fetchInFlight.Dec()
}

// RecordCacheHit records a read served without waiting on a fetch.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHitCounter.Inc()
}

// RecordCacheMiss records a read that waited on at least one fetch.
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMissCounter.Inc()
}

// RecordEviction records segments dropped from the cache.
func (c *Collector) RecordEviction(count int) {
	if c == nil {
		return
	}
	c.cacheEvictions.Add(float64(count))
}

// SetCacheSize updates the cache occupancy gauge.
func (c *Collector) SetCacheSize(bytes int64) {
	if c == nil {
		return
	}
	c.cacheSizeGauge.Set(float64(bytes))
}

// Registry exposes the underlying registry, for tests and debugging.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}
