package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoicesplit",
			Name:      "pages_processed_total",
			Help:      "Total pages processed in automatic mode by result (grouped, carried, skipped)",
		},
		[]string{"result"},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoicesplit",
			Name:      "exports_total",
			Help:      "Artifacts written by mode (auto, manual) and result",
		},
		[]string{"mode", "result"},
	)

	exportLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invoicesplit",
			Name:      "export_duration_seconds",
			Help:      "Duration of artifact writes by mode",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ocrLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invoicesplit",
			Name:      "ocr_duration_seconds",
			Help:      "Duration of per-page text extraction by engine",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "invoicesplit",
			Name:      "jobs_active",
			Help:      "Automatic runs currently in flight",
		},
	)

	once sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(pagesProcessed, exportsTotal, exportLatency, ocrLatency, jobsActive)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

// ObserveExport records one artifact write.
func ObserveExport(mode, result string, dur time.Duration) {
	exportsTotal.WithLabelValues(mode, result).Inc()
	exportLatency.WithLabelValues(mode).Observe(dur.Seconds())
}

func ObserveOCR(engine string, dur time.Duration) {
	ocrLatency.WithLabelValues(engine).Observe(dur.Seconds())
}

func IncPage(result string) { pagesProcessed.WithLabelValues(result).Inc() }

func JobStarted()  { jobsActive.Inc() }
func JobFinished() { jobsActive.Dec() }
