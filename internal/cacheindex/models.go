package cacheindex

import "time"

// CacheItem 对应磁盘上的一个 blob（key + variant）。
type CacheItem struct {
	ID      uint         `gorm:"primaryKey"`
	Key     string       `gorm:"not null;uniqueIndex:idx_cache_items_key_variant"`
	Variant int64        `gorm:"not null;uniqueIndex:idx_cache_items_key_variant"`
	Date    time.Time    `gorm:"not null"`
	Groups  []CacheGroup `gorm:"many2many:cache_group_items;"`
}

// CacheGroup 是一组一起缓存、一起淘汰的 item，例如某篇文章引用的全部媒体。
type CacheGroup struct {
	ID    uint        `gorm:"primaryKey"`
	Key   string      `gorm:"not null;uniqueIndex"`
	Items []CacheItem `gorm:"many2many:cache_group_items;"`
}

// ItemRef 是 item 的轻量描述，供调用方定位磁盘 blob。
type ItemRef struct {
	Key     string
	Variant int64
}

func (i CacheItem) Ref() ItemRef {
	return ItemRef{Key: i.Key, Variant: i.Variant}
}

func allModels() []any {
	return []any{&CacheGroup{}, &CacheItem{}}
}
