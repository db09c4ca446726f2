package media

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cacheindex"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/inflight"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/transport"
)

// PermanentlyCache 把 rawURL 永久缓存到 groupKey 下。
//
// item 记录已存在时只建立分组关联；否则下载到临时文件、移动到
// permanent 目录（目标已存在视为成功）并在单个事务中写入 item 与分组关联。
// 同一 group+identifier 的并发请求合并为一个任务。
func (c *Controller) PermanentlyCache(ctx context.Context, rawURL, groupKey string, priority transport.Priority, onFailure func(error), onSuccess func()) CancelFunc {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		callFailure(onFailure, ErrInvalidOrEmptyURL)
		return noopCancel
	}
	if c.closed.Load() {
		callFailure(onFailure, ErrDeinit)
		return noopCancel
	}

	return c.permanentlyCache(ctx, ref, groupKey, priority, inflight.Completion[*cache.Entry]{
		OnSuccess: func(*cache.Entry) {
			if onSuccess != nil {
				onSuccess()
			}
		},
		OnFailure: onFailure,
	})
}

func (c *Controller) permanentlyCache(ctx context.Context, ref cachekey.Ref, groupKey string, priority transport.Priority, completion inflight.Completion[*cache.Entry]) CancelFunc {
	leave := c.downloads.Join(groupKey+"\x00"+ref.Identifier, groupKey, completion, func(resolve inflight.Resolver[*cache.Entry]) inflight.Task {
		taskCtx, cancel := context.WithCancel(c.ctx)
		go func() {
			defer cancel()
			entry, err := c.cachePermanently(taskCtx, ref, groupKey, priority)
			if err != nil && taskCtx.Err() != nil {
				err = transport.ErrCancelled
			}
			resolve(entry, err)
		}()
		return inflight.TaskFunc(cancel)
	})
	return bindContext(ctx, leave)
}

func (c *Controller) cachePermanently(ctx context.Context, ref cachekey.Ref, groupKey string, priority transport.Priority) (*cache.Entry, error) {
	fields := logging.CacheFields("permanent_cache", ref.Identifier, groupKey, "")

	linked, err := c.index.LinkExisting(ctx, groupKey, ref.Key, ref.Variant)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("index_link_failed")
		c.metrics.RecordPermanent("failed")
		return nil, ErrIndex
	}
	if linked {
		if c.store.Exists(ref.Identifier) {
			c.metrics.RecordPermanent("linked")
			return &cache.Entry{Identifier: ref.Identifier, FilePath: c.store.Path(ref.Identifier), Existed: true}, nil
		}
		c.logger.WithFields(fields).Warn("blob_missing_for_item")
	}

	var entry *cache.Entry
	if c.store.Exists(ref.Identifier) {
		entry = &cache.Entry{Identifier: ref.Identifier, FilePath: c.store.Path(ref.Identifier), Existed: true}
	} else {
		entry, err = c.download(ctx, ref, priority)
		if err != nil {
			c.metrics.RecordPermanent("failed")
			return nil, err
		}
	}

	if err := c.index.Link(ctx, groupKey, ref.Key, ref.Variant); err != nil {
		if !entry.Existed {
			if rmErr := c.store.Remove(ref.Identifier); rmErr != nil {
				c.logger.WithError(rmErr).WithFields(fields).Warn("blob_cleanup_failed")
			}
		}
		c.logger.WithError(err).WithFields(fields).Error("index_link_failed")
		c.metrics.RecordPermanent("failed")
		return nil, ErrIndex
	}

	if entry.Existed {
		c.metrics.RecordPermanent("existed")
	} else {
		c.metrics.RecordPermanent("stored")
	}
	c.logger.WithFields(fields).WithField("existed", entry.Existed).Debug("permanent_cache_stored")
	return entry, nil
}

func (c *Controller) download(ctx context.Context, ref cachekey.Ref, priority transport.Priority) (*cache.Entry, error) {
	type result struct {
		resp *transport.Response
		err  error
	}
	done := make(chan result, 1)
	c.transport.Download(ctx, cachekey.WithScheme(ref.URL), c.store.TempDir(), priority, func(resp *transport.Response, err error) {
		done <- result{resp, err}
	})
	r := <-done
	if r.err != nil {
		return nil, r.err
	}
	if r.resp == nil || r.resp.FilePath == "" {
		return nil, ErrInvalidCacheState
	}
	if ctx.Err() != nil {
		_ = os.Remove(r.resp.FilePath)
		return nil, transport.ErrCancelled
	}

	entry, err := c.store.Move(ref.Identifier, r.resp.FilePath, cache.PutOptions{MIMEType: r.resp.MIMEType})
	if err != nil {
		_ = os.Remove(r.resp.FilePath)
		c.logger.WithError(err).WithFields(logging.CacheFields("permanent_cache", ref.Identifier, "", "")).Error("blob_move_failed")
		return nil, ErrFilesystem
	}
	return entry, nil
}

// PermanentlyCacheBatch 并发缓存 urls 到同一分组，全部结束后返回第一个错误。
func (c *Controller) PermanentlyCacheBatch(ctx context.Context, urls []string, groupKey string) error {
	var g errgroup.Group
	for _, rawURL := range urls {
		g.Go(func() error {
			return c.PermanentlyCacheWait(ctx, rawURL, groupKey, transport.PriorityDefault)
		})
	}
	return g.Wait()
}

// PermanentlyCacheWait 是 PermanentlyCache 的阻塞版本。ctx 结束时撤销注册并返回 ctx.Err()；
// 任务被取消（例如分组被删除）时返回 transport.ErrCancelled。
func (c *Controller) PermanentlyCacheWait(ctx context.Context, rawURL, groupKey string, priority transport.Priority) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return ErrInvalidOrEmptyURL
	}
	if c.closed.Load() {
		return ErrDeinit
	}
	done := make(chan error, 1)
	cancel := c.permanentlyCache(ctx, ref, groupKey, priority, inflight.Completion[*cache.Entry]{
		OnSuccess: func(*cache.Entry) { done <- nil },
		OnFailure: func(err error) { done <- err },
		OnCancel:  func() { done <- transport.ErrCancelled },
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// RemoveGroup 取消该分组进行中的永久缓存请求，删除只属于该分组的 item（记录与 blob），
// 最后删除分组本身。分组不存在时直接返回 nil。
func (c *Controller) RemoveGroup(ctx context.Context, groupKey string) error {
	cancelled := c.downloads.CancelGroup(groupKey)
	removed, err := c.index.RemoveGroupWith(ctx, groupKey, func(ref cacheindex.ItemRef) {
		identifier := cachekey.Identifier(ref.Key, ref.Variant)
		if err := c.store.Remove(identifier); err != nil {
			c.logger.WithError(err).WithFields(logging.CacheFields("remove_group", identifier, groupKey, "")).Warn("blob_remove_failed")
		}
		c.memory.Del(identifier)
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"action": "remove_group", "group": groupKey}).Error("index_remove_failed")
		return ErrIndex
	}
	c.metrics.GroupRemoved(len(removed))
	c.logger.WithFields(logrus.Fields{
		"action":    "remove_group",
		"group":     groupKey,
		"removed":   len(removed),
		"cancelled": cancelled,
	}).Info("group_removed")
	return nil
}

// StoreData 直接把已有数据写入永久层（不关联分组），相当于导入已下载的内容。
func (c *Controller) StoreData(ctx context.Context, rawURL string, data []byte, mimeType string) error {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return ErrInvalidOrEmptyURL
	}
	if len(data) == 0 {
		return ErrInvalidResponse
	}
	existed := c.store.Exists(ref.Identifier)
	if _, err := c.store.Put(ctx, ref.Identifier, bytes.NewReader(data), cache.PutOptions{MIMEType: mimeType}); err != nil {
		c.logger.WithError(err).WithFields(logging.CacheFields("store_data", ref.Identifier, "", "")).Error("blob_write_failed")
		return ErrFilesystem
	}
	if err := c.index.Link(ctx, "", ref.Key, ref.Variant); err != nil {
		if !existed {
			_ = c.store.Remove(ref.Identifier)
		}
		c.logger.WithError(err).WithFields(logging.CacheFields("store_data", ref.Identifier, "", "")).Error("index_link_failed")
		return ErrIndex
	}
	c.memory.Del(ref.Identifier)
	return nil
}

// ReconcileReport 汇总一次对账的结果。
type ReconcileReport struct {
	OrphanRows  int `json:"orphan_rows"`
	OrphanBlobs int `json:"orphan_blobs"`
}

// Reconcile 让磁盘与索引重新一致：删除没有 blob 的 item 记录，以及没有记录的 blob。
// 应在没有进行中的永久缓存任务时调用，例如启动阶段。
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	refs, err := c.index.Items(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("action", "reconcile").Error("index_list_failed")
		return report, ErrIndex
	}

	keep := make(map[string]struct{}, len(refs))
	var missing []cacheindex.ItemRef
	for _, ref := range refs {
		identifier := cachekey.Identifier(ref.Key, ref.Variant)
		if !c.store.Exists(identifier) {
			missing = append(missing, ref)
			continue
		}
		keep[cache.FileName(identifier)] = struct{}{}
	}
	if err := c.index.DeleteItems(ctx, missing); err != nil {
		c.logger.WithError(err).WithField("action", "reconcile").Error("index_delete_failed")
		return report, ErrIndex
	}
	report.OrphanRows = len(missing)

	pruned, err := c.store.Prune(func(name string) bool {
		if strings.HasPrefix(name, cacheindex.DatabaseFileName) {
			return true
		}
		_, ok := keep[name]
		return ok
	})
	report.OrphanBlobs = pruned
	if err != nil {
		c.logger.WithError(err).WithField("action", "reconcile").Error("blob_prune_failed")
		return report, ErrFilesystem
	}
	if report.OrphanRows > 0 || report.OrphanBlobs > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":       "reconcile",
			"orphan_rows":  report.OrphanRows,
			"orphan_blobs": report.OrphanBlobs,
		}).Info("cache_reconciled")
	}
	return report, nil
}
