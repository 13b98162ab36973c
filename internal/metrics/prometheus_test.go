package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Vec metrics only show up after WithLabelValues() is called.
	RecordsCommitted.WithLabelValues("1/2").Add(0)
	BlocksRotated.WithLabelValues("1/2").Add(0)
	BlockFillDuration.WithLabelValues("1/2").Observe(0)
	BlockSizeHint.WithLabelValues("1/2").Set(0)
	LockBreaks.WithLabelValues("1/2").Add(0)
	StandbyHandoffs.WithLabelValues("1/2").Add(0)
	BlocksPacked.WithLabelValues("1/2", "pack").Add(0)
	BlocksReleased.WithLabelValues("1/2").Add(0)
	PackDuration.WithLabelValues("1/2").Observe(0)
	PoolPagesInUse.WithLabelValues("65536").Set(0)
	TierBlockCount.WithLabelValues("1/2", "memory").Set(0)
	TierBytes.WithLabelValues("1/2", "memory").Set(0)
	DemotionOps.WithLabelValues("1/2", "memory", "file").Add(0)
	PromotionOps.WithLabelValues("1/2", "file", "memory").Add(0)
	DigestMismatches.WithLabelValues("file").Add(0)
	S3UploadDuration.WithLabelValues("1/2").Observe(0)
	S3UploadErrors.WithLabelValues("1/2", "timeout").Add(0)
	S3DownloadDuration.WithLabelValues("1/2").Observe(0)
	ReadRequests.WithLabelValues("1/2", "memory").Add(0)
	ReadLatency.WithLabelValues("1/2", "memory").Observe(0)
	APIRequests.WithLabelValues("http", "ok").Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"sl_records_committed_total",
		"sl_blocks_rotated_total",
		"sl_block_fill_duration_seconds",
		"sl_block_size_hint_bytes",
		"sl_lock_breaks_total",
		"sl_standby_handoffs_total",
		"sl_blocks_packed_total",
		"sl_blocks_released_total",
		"sl_pack_duration_seconds",
		"sl_pool_pages_in_use",
		"sl_notifications_appended_total",
		"sl_notifications_missed_total",
		"sl_notification_stale_slots_total",
		"sl_notification_rotations_total",
		"sl_tier_block_count",
		"sl_tier_bytes",
		"sl_demotion_ops_total",
		"sl_promotion_ops_total",
		"sl_digest_mismatches_total",
		"sl_s3_upload_duration_seconds",
		"sl_s3_upload_errors_total",
		"sl_s3_download_duration_seconds",
		"sl_read_requests_total",
		"sl_read_latency_seconds",
		"sl_api_requests_total",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
