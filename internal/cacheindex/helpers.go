package cacheindex

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

func findItem(tx *gorm.DB, key string, variant int64) (*CacheItem, error) {
	var item CacheItem
	err := tx.Where("`key` = ? AND variant = ?", key, variant).First(&item).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrItemNotFound)
	}
	return &item, nil
}

func findGroup(tx *gorm.DB, key string, withItems bool) (*CacheGroup, error) {
	var group CacheGroup
	q := tx
	if withItems {
		q = q.Preload("Items")
	}
	if err := q.Where("`key` = ?", key).First(&group).Error; err != nil {
		return nil, convertNotFoundError(err, ErrGroupNotFound)
	}
	return &group, nil
}

func fetchOrCreateItem(tx *gorm.DB, key string, variant int64, now time.Time) (*CacheItem, error) {
	item, err := findItem(tx, key, variant)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, ErrItemNotFound) {
		return nil, err
	}
	item = &CacheItem{Key: key, Variant: variant, Date: now.UTC()}
	if err := tx.Create(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

func fetchOrCreateGroup(tx *gorm.DB, key string) (*CacheGroup, error) {
	group, err := findGroup(tx, key, false)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, ErrGroupNotFound) {
		return nil, err
	}
	group = &CacheGroup{Key: key}
	if err := tx.Create(group).Error; err != nil {
		return nil, err
	}
	return group, nil
}

// convertNotFoundError 将 gorm.ErrRecordNotFound 映射为领域错误。
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
