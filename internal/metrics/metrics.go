// Package metrics instruments pool mutations with Prometheus counters,
// histograms and gauges, following the teacher's promauto/exemplar
// wiring pattern but re-targeted at allocate/release/noise-merge
// operations instead of HTTP/S3 traffic. This module has no transport
// surface, so the teacher's promhttp.Handler() is not carried over —
// registries are expected to be exposed by an embedding application.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	// EnableHandleLabel adds the handle ID as a label on allocate/release
	// counters. Off by default since handle IDs are high-cardinality.
	EnableHandleLabel bool
}

// Metrics holds every pool-mutation metric this package exports.
type Metrics struct {
	config Config

	allocateTotal   *prometheus.CounterVec
	allocateErrors  *prometheus.CounterVec
	allocateLatency *prometheus.HistogramVec

	releaseTotal   *prometheus.CounterVec
	releaseErrors  *prometheus.CounterVec
	releaseLatency *prometheus.HistogramVec

	noiseMergeTotal     prometheus.Counter
	noiseBudgetUsed     prometheus.Gauge
	noiseBudgetCapacity prometheus.Gauge

	bitmapFlips prometheus.Counter

	integrityViolations *prometheus.CounterVec

	poolUsedBytes prometheus.Gauge
	poolFreeBytes prometheus.Gauge
	poolFragments prometheus.Gauge

	hardwareAESNI prometheus.Gauge

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{})
}

// NewMetricsWithConfig creates a metrics instance with the given configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a metrics instance bound to reg, useful
// for tests that want an isolated registry per case.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)

	allocateLabels := []string{"outcome"}
	releaseLabels := []string{"outcome"}
	if cfg.EnableHandleLabel {
		allocateLabels = append(allocateLabels, "handle")
		releaseLabels = append(releaseLabels, "handle")
	}

	return &Metrics{
		config: cfg,
		allocateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptmalloc_allocate_total",
				Help: "Total number of AllocateBlock calls by outcome",
			},
			allocateLabels,
		),
		allocateErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptmalloc_allocate_errors_total",
				Help: "Total number of AllocateBlock errors by error type",
			},
			[]string{"error_type"},
		),
		allocateLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptmalloc_allocate_duration_seconds",
				Help:    "AllocateBlock call duration in seconds",
				Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
			},
			[]string{"outcome"},
		),
		releaseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptmalloc_release_total",
				Help: "Total number of ReleaseBlock calls by outcome",
			},
			releaseLabels,
		),
		releaseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptmalloc_release_errors_total",
				Help: "Total number of ReleaseBlock errors by error type",
			},
			[]string{"error_type"},
		),
		releaseLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptmalloc_release_duration_seconds",
				Help:    "ReleaseBlock call duration in seconds",
				Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
			},
			[]string{"outcome"},
		),
		noiseMergeTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cryptmalloc_noise_merges_total",
				Help: "Total number of noise state merges performed across oblivious routing",
			},
		),
		noiseBudgetUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_noise_budget_consumed",
				Help: "Noise budget consumed by the most recent ciphertext context observed",
			},
		),
		noiseBudgetCapacity: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_noise_budget_capacity",
				Help: "Noise budget capacity of the most recent ciphertext context observed",
			},
		),
		bitmapFlips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cryptmalloc_bitmap_flips_total",
				Help: "Total number of oblivious bitmap slot flips across all slabs",
			},
		),
		integrityViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptmalloc_integrity_violations_total",
				Help: "Total number of failed pool or block integrity checks",
			},
			[]string{"scope"},
		),
		poolUsedBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_pool_used_bytes",
				Help: "Bytes currently allocated in the pool",
			},
		),
		poolFreeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_pool_free_bytes",
				Help: "Bytes currently free in the pool",
			},
		),
		poolFragments: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_pool_fragments",
				Help: "Number of distinct free blocks in the pool",
			},
		),
		hardwareAESNI: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_hardware_aesni_enabled",
				Help: "Whether the running host exposes AES hardware acceleration (1=yes, 0=no)",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_goroutines",
				Help: "Number of goroutines observed at the last UpdateSystemMetrics call",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_memory_alloc_bytes",
				Help: "Go runtime bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptmalloc_memory_sys_bytes",
				Help: "Go runtime bytes obtained from the OS",
			},
		),
	}
}

// RecordAllocate records the outcome and duration of an AllocateBlock call.
func (m *Metrics) RecordAllocate(ctx context.Context, handle uint32, success bool, errType string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}

	labels := prometheus.Labels{"outcome": outcome}
	if m.config.EnableHandleLabel {
		labels["handle"] = handleLabel(handle)
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.allocateTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.allocateTotal.With(labels).Inc()
		}
		if observer, ok := m.allocateLatency.WithLabelValues(outcome).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.allocateLatency.WithLabelValues(outcome).Observe(duration.Seconds())
		}
	} else {
		m.allocateTotal.With(labels).Inc()
		m.allocateLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	}

	if !success && errType != "" {
		m.allocateErrors.WithLabelValues(errType).Inc()
	}
}

// RecordRelease records the outcome and duration of a ReleaseBlock call.
func (m *Metrics) RecordRelease(ctx context.Context, handle uint32, success bool, errType string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}

	labels := prometheus.Labels{"outcome": outcome}
	if m.config.EnableHandleLabel {
		labels["handle"] = handleLabel(handle)
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.releaseTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.releaseTotal.With(labels).Inc()
		}
		if observer, ok := m.releaseLatency.WithLabelValues(outcome).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.releaseLatency.WithLabelValues(outcome).Observe(duration.Seconds())
		}
	} else {
		m.releaseTotal.With(labels).Inc()
		m.releaseLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	}

	if !success && errType != "" {
		m.releaseErrors.WithLabelValues(errType).Inc()
	}
}

// RecordNoiseMerge records a noise-state merge and the resulting budget usage.
func (m *Metrics) RecordNoiseMerge(consumed, capacity uint32) {
	m.noiseMergeTotal.Inc()
	m.noiseBudgetUsed.Set(float64(consumed))
	m.noiseBudgetCapacity.Set(float64(capacity))
}

// RecordBitmapFlip records one oblivious slot flip in a slab's free bitmap.
func (m *Metrics) RecordBitmapFlip() {
	m.bitmapFlips.Inc()
}

// RecordIntegrityViolation records a failed integrity check for the given scope
// ("pool" or "block").
func (m *Metrics) RecordIntegrityViolation(scope string) {
	m.integrityViolations.WithLabelValues(scope).Inc()
}

// UpdatePoolGauges sets the pool occupancy gauges from a snapshot.
func (m *Metrics) UpdatePoolGauges(usedBytes, freeBytes uint64, fragments int) {
	m.poolUsedBytes.Set(float64(usedBytes))
	m.poolFreeBytes.Set(float64(freeBytes))
	m.poolFragments.Set(float64(fragments))
}

// SetHardwareAESNI records whether AES hardware acceleration is available.
func (m *Metrics) SetHardwareAESNI(enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAESNI.Set(val)
}

// UpdateSystemMetrics refreshes goroutine and memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically refreshes
// system metrics until the returned stop function is called.
func (m *Metrics) StartSystemMetricsCollector(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// handleLabel renders a handle ID as a compact label value.
func handleLabel(handle uint32) string {
	const hexDigits = "0123456789abcdef"
	if handle == 0 {
		return "0x0"
	}
	buf := make([]byte, 0, 10)
	buf = append(buf, '0', 'x')
	started := false
	for shift := 28; shift >= 0; shift -= 4 {
		nibble := (handle >> uint(shift)) & 0xf
		if nibble != 0 {
			started = true
		}
		if started {
			buf = append(buf, hexDigits[nibble])
		}
	}
	return string(buf)
}

// getExemplar extracts a trace ID from ctx, returning Prometheus exemplar
// labels when a valid span is present.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
