package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes the cache engine's Prometheus metrics and the
// /debug/* introspection endpoints used outside of Prometheus scrape.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	readsTotal       *prometheus.CounterVec
	readDuration     prometheus.Histogram
	readBytes        prometheus.Histogram
	cachePromotions  prometheus.Counter
	evictions        prometheus.Counter
	evictedBytes     prometheus.Counter
	prefetchTriggers prometheus.Counter
	cachedBytes      prometheus.Gauge

	detailed *DetailedPerformanceMetrics

	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           8080,
			Path:           "/metrics",
			Namespace:      "mucachefs",
			Subsystem:      "",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	collector := &Collector{
		config:   config,
		registry: registry,
		detailed: NewDetailedPerformanceMetrics(500, true),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics collection server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics collection server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func (c *Collector) enabled() bool {
	return c.config != nil && c.config.Enabled
}

// RecordRead records one served Read call: cacheHit reports whether the
// handle was already CACHED when the read began (internal/vfs passes
// false for NO_CACHED and CACHING), and is reported as the read's cache
// outcome unless err is non-nil.
func (c *Collector) RecordRead(duration time.Duration, bytes int64, cacheHit bool, err error) {
	if !c.enabled() {
		return
	}

	outcome := "miss"
	source := CacheSourceDirect
	if cacheHit {
		outcome = "hit"
		source = CacheSourceCached
	}
	if err != nil {
		outcome = "error"
	}

	c.readsTotal.WithLabelValues(outcome).Inc()
	c.readDuration.Observe(duration.Seconds())
	if bytes > 0 {
		c.readBytes.Observe(float64(bytes))
	}

	c.detailed.RecordOperation(OpRead, "", duration, bytes, source, err)
	c.detailed.RecordSourceAccess(!cacheHit, bytes, duration)
}

// RecordPrefetchTriggered records one sibling file CAS'd into CACHING
// by the prefetch controller.
func (c *Collector) RecordPrefetchTriggered(bytes int64) {
	if !c.enabled() {
		return
	}
	c.prefetchTriggers.Inc()
}

// RecordCachePromotion records one handle reaching CACHED, whether via
// sustained-read promotion or prefetch.
func (c *Collector) RecordCachePromotion(bytes int64) {
	if !c.enabled() {
		return
	}
	c.cachePromotions.Inc()
}

// RecordEviction records one CACHED row evicted back to NO_CACHED by
// the eviction worker's oldest-first pass.
func (c *Collector) RecordEviction(bytes int64) {
	if !c.enabled() {
		return
	}
	c.evictions.Inc()
	c.evictedBytes.Add(float64(bytes))
}

// SetCachedBytes sets the current on-disk cached-bytes gauge, refreshed
// by the eviction worker after every cleanup pass.
func (c *Collector) SetCachedBytes(n int64) {
	if !c.enabled() {
		return
	}
	c.cachedBytes.Set(float64(n))
}

func (c *Collector) initMetrics() error {
	c.readsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "reads_total",
			Help:      "Total number of served reads by cache outcome (hit, miss, error).",
		},
		[]string{"outcome"},
	)

	c.readDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "read_duration_seconds",
			Help:      "Latency of served reads in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	c.readBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "read_size_bytes",
			Help:      "Size of served reads in bytes.",
			Buckets:   prometheus.ExponentialBuckets(4*1024, 2, 12), // 4KiB to ~8MiB
		},
	)

	c.cachePromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_promotions_total",
			Help:      "Total number of files that reached CACHED.",
		},
	)

	c.evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "evictions_total",
			Help:      "Total number of CACHED files evicted back to NO_CACHED.",
		},
	)

	c.evictedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "evicted_bytes_total",
			Help:      "Total bytes freed by the eviction worker.",
		},
	)

	c.prefetchTriggers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "prefetch_triggered_total",
			Help:      "Total number of sibling files CAS'd into CACHING by the prefetch controller.",
		},
	)

	c.cachedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cached_bytes",
			Help:      "Current number of bytes held in the on-disk cache.",
		},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.readsTotal,
		c.readDuration,
		c.readBytes,
		c.cachePromotions,
		c.evictions,
		c.evictedBytes,
		c.prefetchTriggers,
		c.cachedBytes,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"mucachefs"}`))
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	summary := c.detailed.GetSummary()

	w.Header().Set("Content-Type", "application/json")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("{\n")
	writef("  \"uptime_seconds\": %v,\n", summary["uptime_seconds"])
	writef("  \"total_operations\": %v,\n", summary["total_operations"])
	writef("  \"overall_cache_hit_rate\": %v,\n", summary["overall_cache_hit_rate"])
	writef("  \"bytes_from_source\": %v,\n", summary["bytes_from_source"])
	writef("  \"bytes_from_cache\": %v\n", summary["bytes_from_cache"])
	writef("}\n")
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("mucachefs read summary\n")
	writef("======================\n\n")

	read := c.detailed.GetOperationMetrics(OpRead)
	if read == nil {
		writef("No reads recorded.\n")
		return
	}

	writef("Reads: %d\n", read.Count)
	writef("Errors: %d\n", read.ErrorCount)
	writef("Cache hit rate: %.2f%%\n", read.CacheHitRate*100)
	writef("Average latency: %v\n", read.AverageLatency)
	writef("Throughput: %.2f MB/s\n\n", read.ThroughputMBps)

	top := c.detailed.GetTopFiles(10)
	if len(top) == 0 {
		return
	}
	writef("%-40s %10s %10s %12s\n", "Path", "Accesses", "Hit Rate", "Avg Latency")
	writef("%-40s %10s %10s %12s\n", "----", "--------", "--------", "-----------")
	for _, fm := range top {
		writef("%-40s %10d %9.1f%% %12v\n", fm.Path, fm.TotalAccesses, fm.CacheHitRate*100, fm.AvgLatency)
	}
}
