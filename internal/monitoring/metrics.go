package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal tracks finished download items by status and requested quality
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonicvault_downloads_total",
			Help: "Total number of finished download items",
		},
		[]string{"status", "quality"},
	)

	// TransferDuration tracks transfer duration in seconds by quality
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sonicvault_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"quality"},
	)

	// PendingItems tracks items waiting for admission
	PendingItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sonicvault_pending_items",
			Help: "Number of download items waiting for admission",
		},
	)

	// InFlightItems tracks admitted items
	InFlightItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sonicvault_inflight_items",
			Help: "Number of admitted download items",
		},
	)

	// DownloadBytesTotal tracks total bytes transferred
	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sonicvault_download_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	// CacheRecords tracks the number of offline records
	CacheRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sonicvault_cache_records",
			Help: "Number of offline records",
		},
	)

	// CacheBytes tracks bytes held by offline records
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sonicvault_cache_bytes",
			Help: "Bytes used by offline audio and artwork",
		},
	)

	// ResolutionsTotal tracks URL resolutions by source and quality outcome
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonicvault_resolutions_total",
			Help: "Total number of playback URL resolutions",
		},
		[]string{"source", "outcome"},
	)

	// CacheDeletionsTotal tracks deleted and failed record removals
	CacheDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonicvault_cache_deletions_total",
			Help: "Total number of offline record deletions",
		},
		[]string{"result"},
	)

	// APIRequestsTotal tracks catalog requests by endpoint and status
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonicvault_api_requests_total",
			Help: "Total number of catalog API requests",
		},
		[]string{"endpoint", "status"},
	)

	// APIRequestDuration tracks catalog request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sonicvault_api_request_duration_seconds",
			Help:    "Catalog API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonicvault_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

// RecordDownloadComplete records a completed transfer
func RecordDownloadComplete(quality string, duration time.Duration, bytes int64) {
	DownloadsTotal.WithLabelValues("completed", quality).Inc()
	TransferDuration.WithLabelValues(quality).Observe(duration.Seconds())
	DownloadBytesTotal.Add(float64(bytes))
}

// RecordDownloadSkipped records an item satisfied by an existing record
func RecordDownloadSkipped(quality string) {
	DownloadsTotal.WithLabelValues("skipped", quality).Inc()
}

// RecordDownloadFailed records a failed transfer
func RecordDownloadFailed(quality string, errorType string) {
	DownloadsTotal.WithLabelValues("failed", quality).Inc()
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateQueueGauges updates the pending and in-flight gauges
func UpdateQueueGauges(pending, inFlight int) {
	PendingItems.Set(float64(pending))
	InFlightItems.Set(float64(inFlight))
}

// UpdateCacheGauges updates the offline record gauges
func UpdateCacheGauges(records int, bytes int64) {
	CacheRecords.Set(float64(records))
	CacheBytes.Set(float64(bytes))
}

// RecordResolution records a resolved playback URL
func RecordResolution(source, outcome string) {
	ResolutionsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordCacheDeletions records the outcome of a bulk delete
func RecordCacheDeletions(deleted, failed int) {
	if deleted > 0 {
		CacheDeletionsTotal.WithLabelValues("deleted").Add(float64(deleted))
	}
	if failed > 0 {
		CacheDeletionsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordAPIRequest records a catalog request
func RecordAPIRequest(endpoint string, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordError records an error
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
