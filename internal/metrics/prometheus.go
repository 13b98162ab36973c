package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path metrics
	RecordsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_records_committed_total",
		Help: "Records committed to stream blocks",
	}, []string{"stream"})

	BlocksRotated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_blocks_rotated_total",
		Help: "Active block rotations",
	}, []string{"stream"})

	BlockFillDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sl_block_fill_duration_seconds",
		Help:    "Time from block initialisation to completion",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"stream"})

	BlockSizeHint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sl_block_size_hint_bytes",
		Help: "Adaptive block size hint",
	}, []string{"stream"})

	LockBreaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_lock_breaks_total",
		Help: "Exclusive locks taken over from dead writers",
	}, []string{"stream"})

	// Index metrics
	StandbyHandoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_standby_handoffs_total",
		Help: "Rents served by initialising a prepared standby block",
	}, []string{"stream"})

	BlocksPacked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_blocks_packed_total",
		Help: "Blocks packed, by action",
	}, []string{"stream", "action"})

	BlocksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_blocks_released_total",
		Help: "Shared pages released after packing",
	}, []string{"stream"})

	PackDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sl_pack_duration_seconds",
		Help:    "Time to pack one batch of blocks",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	PoolPagesInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sl_pool_pages_in_use",
		Help: "Shared memory pages rented, by bucket page size",
	}, []string{"page_size"})

	// Notification metrics
	NotificationsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sl_notifications_appended_total",
		Help: "Entries appended to the notification log",
	})

	NotificationsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sl_notifications_missed_total",
		Help: "Entries a reader lost because the ring lapped it",
	})

	StaleSlotsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sl_notification_stale_slots_total",
		Help: "Unwritten notification slots skipped after the writer stall limit",
	})

	LogRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sl_notification_rotations_total",
		Help: "Notification log ring rotations",
	})

	// Archive tier metrics
	TierBlockCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sl_tier_block_count",
		Help: "Number of archived blocks in each tier",
	}, []string{"stream", "tier"})

	TierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sl_tier_bytes",
		Help: "Total archived bytes in each tier",
	}, []string{"stream", "tier"})

	DemotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_demotion_ops_total",
		Help: "Number of block demotions",
	}, []string{"stream", "from_tier", "to_tier"})

	PromotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_promotion_ops_total",
		Help: "Number of block promotions",
	}, []string{"stream", "from_tier", "to_tier"})

	DigestMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_digest_mismatches_total",
		Help: "Archived blocks whose content digest did not verify",
	}, []string{"tier"})

	// S3 metrics
	S3UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sl_s3_upload_duration_seconds",
		Help:    "S3 upload latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"stream"})

	S3UploadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_s3_upload_errors_total",
		Help: "S3 upload failures",
	}, []string{"stream", "error_type"})

	S3DownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sl_s3_download_duration_seconds",
		Help:    "S3 download latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stream"})

	// Read path metrics
	ReadRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_read_requests_total",
		Help: "Record reads by source",
	}, []string{"stream", "source"})

	ReadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sl_read_latency_seconds",
		Help:    "Record read latency",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stream", "source"})

	// API metrics
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sl_api_requests_total",
		Help: "API requests by transport and status",
	}, []string{"transport", "status"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
