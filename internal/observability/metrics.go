package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncRuns counts config cache syncs by direction and outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheagent_sync_runs_total",
		Help: "Total number of config cache sync runs",
	}, []string{"direction", "result"})

	// SyncConflicts counts local writes dropped because the server changed the object.
	SyncConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheagent_sync_conflicts_total",
		Help: "Local modifications dropped in favor of the server value",
	}, []string{"object_class"})

	// PendingModifications tracks the depth of the modification log.
	PendingModifications = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cacheagent_pending_modifications",
		Help: "Number of local modifications not yet synced to the server",
	})

	// ProductsCached counts caching outcomes per product.
	ProductsCached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheagent_products_cached_total",
		Help: "Product caching attempts by result",
	}, []string{"result"})

	// BytesTransferred counts payload bytes copied from the depot.
	BytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheagent_bytes_transferred_total",
		Help: "Bytes downloaded from the depot",
	})

	// Evictions counts products removed to make room.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheagent_evictions_total",
		Help: "Products evicted from the product cache",
	})

	// CacheSize tracks the size of the product cache directory.
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cacheagent_product_cache_bytes",
		Help: "Current size of the product cache in bytes",
	})

	// SlotWaits counts passes deferred because no transfer slot was free.
	SlotWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheagent_transfer_slot_waits_total",
		Help: "Caching passes deferred for lack of a transfer slot",
	})

	// PassDuration tracks the duration of sync and caching passes.
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cacheagent_pass_duration_seconds",
		Help:    "Duration of worker passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
)

// Result maps an error to a metric label value
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
