package scheduler

import (
	"fmt"

	"github.com/aristath/forge/internal/cache"
	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/prices"
)

// CacheRefreshJob flushes stale results shortly after midnight so the
// first request of the day does not pay for it, and drops in-memory
// price snapshots so new bars are picked up.
type CacheRefreshJob struct {
	Cache  *cache.Service
	Prices *prices.Store
}

func (j *CacheRefreshJob) Name() string { return "cache-refresh" }

func (j *CacheRefreshJob) Run() error {
	j.Cache.EnsureFresh()
	j.Prices.Invalidate("")
	return nil
}

// MaintenanceJob checkpoints the WAL of each database so the log does
// not grow unbounded under the write-heavy cache workload.
type MaintenanceJob struct {
	Databases []*database.DB
}

func (j *MaintenanceJob) Name() string { return "db-maintenance" }

func (j *MaintenanceJob) Run() error {
	for _, db := range j.Databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return fmt.Errorf("checkpoint %s: %w", db.Name(), err)
		}
	}
	return nil
}
