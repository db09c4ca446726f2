package cacheindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseFileName 是索引文件名，与 blob 位于同一目录。
const DatabaseFileName = "cache.sqlite"

var (
	// ErrClosed 表示索引已经关闭。
	ErrClosed = errors.New("cache index closed")
	// ErrItemNotFound 表示 (key, variant) 没有对应记录。
	ErrItemNotFound = errors.New("cache item not found")
	// ErrGroupNotFound 表示 group 不存在。
	ErrGroupNotFound = errors.New("cache group not found")
)

// Index 持有 GORM 连接与串行执行器；所有读写都经由 Do 排队执行。
type Index struct {
	db   *gorm.DB
	now  func() time.Time
	jobs chan job

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type job struct {
	ctx    context.Context
	fn     func(tx *gorm.DB) error
	after  func()
	result chan error
}

// Open 打开（必要时创建）dir 下的索引数据库并启动执行器，不输出 SQL 日志。
func Open(dir string) (*Index, error) {
	return OpenWithLogger(dir, logger.Default.LogMode(logger.Silent))
}

// OpenWithLogger 与 Open 相同，但使用调用方提供的 GORM 日志实现。
func OpenWithLogger(dir string, sqlLogger logger.Interface) (*Index, error) {
	if sqlLogger == nil {
		sqlLogger = logger.Default.LogMode(logger.Silent)
	}
	if dir == "" {
		return nil, errors.New("index directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	dsn := filepath.Join(dir, DatabaseFileName) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: sqlLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(allModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate cache index: %w", err)
	}

	ix := &Index{
		db:   db,
		now:  time.Now,
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	ix.wg.Add(1)
	go ix.run()
	return ix, nil
}

func (ix *Index) run() {
	defer ix.wg.Done()
	for {
		select {
		case j := <-ix.jobs:
			err := ix.db.WithContext(j.ctx).Transaction(j.fn)
			if err == nil && j.after != nil {
				j.after()
			}
			j.result <- err
		case <-ix.done:
			return
		}
	}
}

// Do 在串行执行器中以事务方式运行 fn，并等待其完成。fn 内不得再次调用 Do。
func (ix *Index) Do(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return ix.DoAfter(ctx, fn, nil)
}

// DoAfter 与 Do 相同，但在事务提交成功后仍于执行器内调用 after，
// 期间不会有其他写入插入。
func (ix *Index) DoAfter(ctx context.Context, fn func(tx *gorm.DB) error, after func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j := job{ctx: ctx, fn: fn, after: after, result: make(chan error, 1)}
	select {
	case ix.jobs <- j:
	case <-ix.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-j.result
}

// Close 停止执行器并关闭数据库连接。
func (ix *Index) Close() error {
	var err error
	ix.closeOnce.Do(func() {
		close(ix.done)
		ix.wg.Wait()
		sqlDB, dbErr := ix.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

// HasItem 判断 (key, variant) 是否已有记录。
func (ix *Index) HasItem(ctx context.Context, key string, variant int64) (bool, error) {
	var found bool
	err := ix.Do(ctx, func(tx *gorm.DB) error {
		_, err := findItem(tx, key, variant)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, ErrItemNotFound):
			found = false
		default:
			return err
		}
		return nil
	})
	return found, err
}

// LinkExisting 若 item 已存在则把它加入 groupKey（为空时仅确认存在）并返回 true；
// 不存在时不做任何修改。
func (ix *Index) LinkExisting(ctx context.Context, groupKey, key string, variant int64) (bool, error) {
	linked := false
	err := ix.Do(ctx, func(tx *gorm.DB) error {
		item, err := findItem(tx, key, variant)
		if errors.Is(err, ErrItemNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if groupKey == "" {
			linked = true
			return nil
		}
		group, err := fetchOrCreateGroup(tx, groupKey)
		if err != nil {
			return err
		}
		if err := tx.Model(group).Association("Items").Append(item); err != nil {
			return err
		}
		linked = true
		return nil
	})
	return linked, err
}

// Link 创建（或复用）item 与 group，并建立二者的关联。
func (ix *Index) Link(ctx context.Context, groupKey, key string, variant int64) error {
	return ix.Do(ctx, func(tx *gorm.DB) error {
		item, err := fetchOrCreateItem(tx, key, variant, ix.now())
		if err != nil {
			return err
		}
		if groupKey == "" {
			return nil
		}
		group, err := fetchOrCreateGroup(tx, groupKey)
		if err != nil {
			return err
		}
		return tx.Model(group).Association("Items").Append(item)
	})
}

// InsertItem 仅创建 item 记录（不关联 group），已存在时返回 false。
func (ix *Index) InsertItem(ctx context.Context, key string, variant int64) (bool, error) {
	created := false
	err := ix.Do(ctx, func(tx *gorm.DB) error {
		_, err := findItem(tx, key, variant)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrItemNotFound) {
			return err
		}
		if _, err := fetchOrCreateItem(tx, key, variant, ix.now()); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// RemoveGroup 删除 group，以及只属于该 group 的 item，返回被删除的 item。
// group 不存在时返回 (nil, nil)。
func (ix *Index) RemoveGroup(ctx context.Context, groupKey string) ([]ItemRef, error) {
	return ix.RemoveGroupWith(ctx, groupKey, nil)
}

// RemoveGroupWith 在 RemoveGroup 的基础上，于提交后对每个被删除的 item 调用
// purge（仍在执行器内），用于同步删除磁盘 blob。
func (ix *Index) RemoveGroupWith(ctx context.Context, groupKey string, purge func(ItemRef)) ([]ItemRef, error) {
	var removed []ItemRef
	var after func()
	if purge != nil {
		after = func() {
			for _, ref := range removed {
				purge(ref)
			}
		}
	}
	err := ix.DoAfter(ctx, func(tx *gorm.DB) error {
		group, err := findGroup(tx, groupKey, true)
		if errors.Is(err, ErrGroupNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var orphans []CacheItem
		for _, item := range group.Items {
			count := tx.Model(&item).Association("Groups").Count()
			if count == 1 {
				orphans = append(orphans, item)
			}
		}

		if err := tx.Model(group).Association("Items").Clear(); err != nil {
			return err
		}
		for i := range orphans {
			if err := tx.Delete(&orphans[i]).Error; err != nil {
				return err
			}
			removed = append(removed, orphans[i].Ref())
		}
		return tx.Delete(group).Error
	}, after)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteItems 删除指定 item 及其全部 group 关联。
func (ix *Index) DeleteItems(ctx context.Context, refs []ItemRef) error {
	if len(refs) == 0 {
		return nil
	}
	return ix.Do(ctx, func(tx *gorm.DB) error {
		for _, ref := range refs {
			item, err := findItem(tx, ref.Key, ref.Variant)
			if errors.Is(err, ErrItemNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := tx.Model(item).Association("Groups").Clear(); err != nil {
				return err
			}
			if err := tx.Delete(item).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Items 返回全部 item，用于磁盘与索引的对账。
func (ix *Index) Items(ctx context.Context) ([]ItemRef, error) {
	var refs []ItemRef
	err := ix.Do(ctx, func(tx *gorm.DB) error {
		var items []CacheItem
		if err := tx.Order("id").Find(&items).Error; err != nil {
			return err
		}
		refs = make([]ItemRef, 0, len(items))
		for _, item := range items {
			refs = append(refs, item.Ref())
		}
		return nil
	})
	return refs, err
}

// ItemGroups 返回 item 所属的 group key 列表。
func (ix *Index) ItemGroups(ctx context.Context, key string, variant int64) ([]string, error) {
	var keys []string
	err := ix.Do(ctx, func(tx *gorm.DB) error {
		item, err := findItem(tx, key, variant)
		if err != nil {
			return err
		}
		var groups []CacheGroup
		if err := tx.Model(item).Order("`key`").Association("Groups").Find(&groups); err != nil {
			return err
		}
		for _, g := range groups {
			keys = append(keys, g.Key)
		}
		return nil
	})
	return keys, err
}

// Stats 汇总 item/group 数量。
type Stats struct {
	Items  int64 `json:"items"`
	Groups int64 `json:"groups"`
}

// Stats 返回当前记录数量。
func (ix *Index) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := ix.Do(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&CacheItem{}).Count(&stats.Items).Error; err != nil {
			return err
		}
		return tx.Model(&CacheGroup{}).Count(&stats.Groups).Error
	})
	return stats, err
}
