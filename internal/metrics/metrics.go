package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for sync observability.
type Metrics struct {
	FilesDownloaded   *prometheus.CounterVec // Files written into PHOENIX, by source and study
	BytesDownloaded   *prometheus.CounterVec // Payload bytes written into PHOENIX, by source and study
	SyncErrors        *prometheus.CounterVec // Sync failures, by source and study
	CycleDuration     prometheus.Histogram   // Wall time of a full poll cycle
	NotificationsSent prometheus.Counter     // Error digest emails sent
}

// New creates Prometheus metrics for the sync daemon.
// The registerer parameter allows flexible registration (e.g. global
// registry, test registry).
func New(reg prometheus.Registerer) *Metrics {
	filesDownloaded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lochness_files_downloaded_total",
		Help: "Total number of files downloaded into PHOENIX",
	}, []string{"source", "study"})

	bytesDownloaded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lochness_bytes_downloaded_total",
		Help: "Total payload bytes downloaded into PHOENIX",
	}, []string{"source", "study"})

	syncErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lochness_sync_errors_total",
		Help: "Total number of sync failures",
	}, []string{"source", "study"})

	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lochness_sync_cycle_duration_seconds",
		Help:    "Wall time of a full poll cycle",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	notificationsSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lochness_notifications_sent_total",
		Help: "Total number of error digest emails sent",
	})

	reg.MustRegister(filesDownloaded)
	reg.MustRegister(bytesDownloaded)
	reg.MustRegister(syncErrors)
	reg.MustRegister(cycleDuration)
	reg.MustRegister(notificationsSent)

	return &Metrics{
		FilesDownloaded:   filesDownloaded,
		BytesDownloaded:   bytesDownloaded,
		SyncErrors:        syncErrors,
		CycleDuration:     cycleDuration,
		NotificationsSent: notificationsSent,
	}
}
