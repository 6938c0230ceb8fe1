package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/deletion"
	"github.com/nicktill/tinysos/pkg/server/monitor"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/badger"
)

const (
	purgeMaxRetries = 3
	purgeBaseDelay  = 30 * time.Second
)

// Purger is the part of the deletion service the purge job needs.
type Purger interface {
	Purge(ctx context.Context, ids []string) (deletion.Report, error)
}

// RunPurge physically removes soft-deleted data every interval. It returns
// at once when interval is zero.
func RunPurge(log *zap.Logger, purger Purger, interval time.Duration, pm *monitor.PurgeMonitor, sm *monitor.StorageMonitor, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	if interval <= 0 {
		log.Info("scheduled purge disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Retries with exponential backoff: 30s, 60s, 120s
	runWithRetry := func() {
		for attempt := 0; attempt <= purgeMaxRetries; attempt++ {
			if attempt > 0 {
				delay := purgeBaseDelay * time.Duration(1<<(attempt-1))
				log.Info("retrying purge", zap.Duration("delay", delay), zap.Int("attempt", attempt+1))
				select {
				case <-time.After(delay):
				case <-stop:
					return
				}
			}

			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), config.PurgeTimeout)
			report, err := purger.Purge(ctx, nil)
			cancel()

			if err == nil {
				pm.RecordSuccess(report.RemovedObservations)
				if sm != nil && report.RemovedObservations > 0 {
					sm.Invalidate()
				}
				log.Info("purge completed",
					zap.Duration("took", time.Since(start).Round(time.Millisecond)),
					zap.Int64("removed", report.RemovedObservations),
					zap.Int("removed_datasets", len(report.RemovedDatasets)))
				return
			}

			pm.RecordFailure(err)
			log.Warn("purge failed", zap.Int("attempt", attempt+1), zap.Error(err))

			if status := pm.Status(); status.ConsecutiveErrors > purgeMaxRetries {
				log.Error("purge keeps failing", zap.Int("consecutive_errors", status.ConsecutiveErrors))
			}
		}

		log.Warn("purge failed after retries, will retry on next schedule", zap.Int("attempts", purgeMaxRetries+1))
	}

	log.Info("purge scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-stop:
			log.Info("stopping purge scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically.
// Physically removed observations only free disk space once GC rewrites
// the value log.
func RunBadgerGC(log *zap.Logger, store storage.Store, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Debug("storage is not badger, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Info("badger GC scheduler started", zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// Rewrite files that are at least half garbage
			if err := badgerStore.RunGC(0.5); err != nil {
				log.Debug("badger GC completed, no rewrite needed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			} else {
				log.Info("badger GC reclaimed disk space", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			}
		case <-stop:
			log.Info("stopping badger GC scheduler")
			return
		}
	}
}
