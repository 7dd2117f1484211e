package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDownloadMetrics(t *testing.T) {
	before := testutil.ToFloat64(DownloadsTotal.WithLabelValues("completed", "high"))

	RecordDownloadComplete("high", 5*time.Second, 10*1024*1024)
	RecordDownloadFailed("high", "network")
	RecordDownloadSkipped("low")

	after := testutil.ToFloat64(DownloadsTotal.WithLabelValues("completed", "high"))
	if after != before+1 {
		t.Errorf("Expected completed counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestUpdateQueueGauges(t *testing.T) {
	UpdateQueueGauges(3, 1)

	if got := testutil.ToFloat64(PendingItems); got != 3 {
		t.Errorf("Expected 3 pending, got %v", got)
	}
	if got := testutil.ToFloat64(InFlightItems); got != 1 {
		t.Errorf("Expected 1 in flight, got %v", got)
	}
}

func TestUpdateCacheGauges(t *testing.T) {
	UpdateCacheGauges(2, 4096)

	if got := testutil.ToFloat64(CacheBytes); got != 4096 {
		t.Errorf("Expected 4096 bytes, got %v", got)
	}
}

func TestRecordCacheDeletions(t *testing.T) {
	before := testutil.ToFloat64(CacheDeletionsTotal.WithLabelValues("failed"))

	RecordCacheDeletions(2, 1)
	RecordCacheDeletions(0, 0)

	if got := testutil.ToFloat64(CacheDeletionsTotal.WithLabelValues("failed")); got != before+1 {
		t.Errorf("Expected failed deletions to grow by 1, got %v", got-before)
	}
}

func TestRecordResolutionAndAPI(t *testing.T) {
	RecordResolution("local", "sufficient")
	RecordAPIRequest("playback_info", "success", 100*time.Millisecond)
	RecordError("storage")
}
