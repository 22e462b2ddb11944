package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheEntropyCollective/autotune/pkg/optimizer"
)

// metrics owns a private registry so multiple servers can coexist in one
// process without duplicate-registration panics.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(opt *optimizer.Optimizer) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotune_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"method", "path", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autotune_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(m.requests, m.duration, newOptimizerCollector(opt))
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware records request counts and latencies under the mux route
// template, keeping path labels low-cardinality.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				path = template
			}
		}

		m.requests.WithLabelValues(r.Method, path, strconv.Itoa(recorder.status)).Inc()
		m.duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// optimizerCollector reads optimizer statistics at scrape time instead of
// double-counting through instrumented callbacks.
type optimizerCollector struct {
	opt *optimizer.Optimizer

	batchTotal      *prometheus.Desc
	batchItems      *prometheus.Desc
	batchOptimal    *prometheus.Desc
	batchThroughput *prometheus.Desc

	parallelOps         *prometheus.Desc
	parallelEfficiency  *prometheus.Desc
	parallelLoadBalance *prometheus.Desc

	profileOps    *prometheus.Desc
	profileErrors *prometheus.Desc

	monitorMemory     *prometheus.Desc
	monitorCPU        *prometheus.Desc
	monitorGoroutines *prometheus.Desc
}

func newOptimizerCollector(opt *optimizer.Optimizer) *optimizerCollector {
	return &optimizerCollector{
		opt: opt,

		batchTotal: prometheus.NewDesc("autotune_batch_batches_total",
			"Batches executed since the last reset.", nil, nil),
		batchItems: prometheus.NewDesc("autotune_batch_items_processed_total",
			"Items processed across all batches.", nil, nil),
		batchOptimal: prometheus.NewDesc("autotune_batch_optimal_size",
			"Current adaptive batch size.", nil, nil),
		batchThroughput: prometheus.NewDesc("autotune_batch_avg_throughput_items_per_second",
			"Average batch throughput.", nil, nil),

		parallelOps: prometheus.NewDesc("autotune_parallel_operations_total",
			"Parallel operations executed since the last reset.", nil, nil),
		parallelEfficiency: prometheus.NewDesc("autotune_parallel_avg_efficiency",
			"Average parallel efficiency (0..1).", nil, nil),
		parallelLoadBalance: prometheus.NewDesc("autotune_parallel_avg_load_balance",
			"Average worker load balance (0..1).", nil, nil),

		profileOps: prometheus.NewDesc("autotune_profiled_operations_total",
			"Operations recorded by the profiler.", nil, nil),
		profileErrors: prometheus.NewDesc("autotune_profiled_errors_total",
			"Profiled operations that returned an error.", nil, nil),

		monitorMemory: prometheus.NewDesc("autotune_monitor_memory_mb",
			"Latest sampled process RSS in MB.", nil, nil),
		monitorCPU: prometheus.NewDesc("autotune_monitor_cpu_percent",
			"Latest sampled process CPU percent.", nil, nil),
		monitorGoroutines: prometheus.NewDesc("autotune_monitor_goroutines",
			"Latest sampled goroutine count.", nil, nil),
	}
}

func (c *optimizerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.batchTotal
	ch <- c.batchItems
	ch <- c.batchOptimal
	ch <- c.batchThroughput
	ch <- c.parallelOps
	ch <- c.parallelEfficiency
	ch <- c.parallelLoadBalance
	ch <- c.profileOps
	ch <- c.profileErrors
	ch <- c.monitorMemory
	ch <- c.monitorCPU
	ch <- c.monitorGoroutines
}

func (c *optimizerCollector) Collect(ch chan<- prometheus.Metric) {
	batch := c.opt.BatchStatistics()
	ch <- prometheus.MustNewConstMetric(c.batchTotal, prometheus.CounterValue, float64(batch.TotalBatches))
	ch <- prometheus.MustNewConstMetric(c.batchItems, prometheus.CounterValue, float64(batch.TotalItemsProcessed))
	ch <- prometheus.MustNewConstMetric(c.batchOptimal, prometheus.GaugeValue, float64(batch.OptimalBatchSize))
	ch <- prometheus.MustNewConstMetric(c.batchThroughput, prometheus.GaugeValue, batch.AvgThroughput)

	par := c.opt.ParallelStatistics()
	ch <- prometheus.MustNewConstMetric(c.parallelOps, prometheus.CounterValue, float64(par.TotalOperations))
	ch <- prometheus.MustNewConstMetric(c.parallelEfficiency, prometheus.GaugeValue, par.AvgEfficiency)
	ch <- prometheus.MustNewConstMetric(c.parallelLoadBalance, prometheus.GaugeValue, par.AvgLoadBalance)

	report := c.opt.PerformanceReport()
	ch <- prometheus.MustNewConstMetric(c.profileOps, prometheus.CounterValue, float64(report.Summary.TotalOperations))
	ch <- prometheus.MustNewConstMetric(c.profileErrors, prometheus.CounterValue, float64(report.Summary.TotalErrors))

	samples := c.opt.MonitorSamples()
	if len(samples) > 0 {
		last := samples[len(samples)-1]
		ch <- prometheus.MustNewConstMetric(c.monitorMemory, prometheus.GaugeValue, last.MemoryMB)
		ch <- prometheus.MustNewConstMetric(c.monitorCPU, prometheus.GaugeValue, last.CPUPercent)
		ch <- prometheus.MustNewConstMetric(c.monitorGoroutines, prometheus.GaugeValue, float64(last.Goroutines))
	}
}
