package uploader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runkeeper_oh",
		Subsystem: "uploader",
		Name:      "runs_total",
		Help:      "Number of synchronization runs grouped by result.",
	}, []string{"result"})

	filesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runkeeper_oh",
		Subsystem: "uploader",
		Name:      "files_uploaded_total",
		Help:      "Number of year files replaced at the destination.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runkeeper_oh",
		Subsystem: "uploader",
		Name:      "run_duration_seconds",
		Help:      "Duration of synchronization runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	lastSuccessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runkeeper_oh",
		Subsystem: "uploader",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful run.",
	})
)

func init() {
	prometheus.MustRegister(runCounter, filesUploaded, runDuration, lastSuccessGauge)
}

func observeRun(started time.Time, err error) {
	runDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		runCounter.WithLabelValues("failure").Inc()
		return
	}
	runCounter.WithLabelValues("success").Inc()
	lastSuccessGauge.SetToCurrentTime()
}
