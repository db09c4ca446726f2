package media

import (
	"context"

	"github.com/any-hub/any-cache/internal/cacheindex"
)

// Status 是控制器的运行时快照。
type Status struct {
	PendingFetches   int              `json:"pending_fetches"`
	PendingDownloads int              `json:"pending_downloads"`
	Index            cacheindex.Stats `json:"index"`
	StorageDir       string           `json:"storage_dir"`
	Closed           bool             `json:"closed"`
}

// Status 汇总进行中的任务与索引记录数量。
func (c *Controller) Status(ctx context.Context) (Status, error) {
	fetches, downloads := c.Pending()
	status := Status{
		PendingFetches:   fetches,
		PendingDownloads: downloads,
		StorageDir:       c.store.Dir(),
		Closed:           c.closed.Load(),
	}
	stats, err := c.index.Stats(ctx)
	if err != nil {
		return status, ErrIndex
	}
	status.Index = stats
	return status, nil
}
