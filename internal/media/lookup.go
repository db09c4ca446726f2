package media

import (
	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/metrics"
)

// Lookup 依次查询内存、会话与磁盘层，不发起网络请求。会话/磁盘命中会回填内存层。
func (c *Controller) Lookup(rawURL string) (*Object, bool) {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return nil, false
	}

	if obj, ok := c.memory.Get(ref.Identifier); ok && obj != nil {
		c.metrics.RecordLookup(metrics.TierMemory)
		return obj.withTier(metrics.TierMemory), true
	}

	if entry, ok := c.session.Get(rawURL); ok {
		obj := &Object{
			Identifier: ref.Identifier,
			Key:        ref.Key,
			Variant:    ref.Variant,
			Data:       entry.Data,
			MIMEType:   entry.MIMEType,
		}
		c.remember(obj)
		c.metrics.RecordLookup(metrics.TierSession)
		return obj.withTier(metrics.TierSession), true
	}

	if typed, err := c.store.Read(ref.Identifier); err == nil {
		obj := &Object{
			Identifier: ref.Identifier,
			Key:        ref.Key,
			Variant:    ref.Variant,
			Data:       typed.Data,
			MIMEType:   typed.MIMEType,
		}
		c.remember(obj)
		c.metrics.RecordLookup(metrics.TierDisk)
		return obj.withTier(metrics.TierDisk), true
	}

	c.metrics.RecordLookup(metrics.TierMiss)
	return nil, false
}

// CachedTypedData 返回磁盘层的正文与 MIME，未命中时返回空值。
func (c *Controller) CachedTypedData(rawURL string) cache.TypedData {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return cache.TypedData{}
	}
	typed, err := c.store.Read(ref.Identifier)
	if err != nil {
		return cache.TypedData{}
	}
	return *typed
}

// Data 依次查询会话层与磁盘层的正文。
func (c *Controller) Data(rawURL string) ([]byte, bool) {
	if entry, ok := c.session.Get(rawURL); ok {
		return entry.Data, true
	}
	typed := c.CachedTypedData(rawURL)
	if len(typed.Data) == 0 {
		return nil, false
	}
	return typed.Data, true
}

// IsCached 判断资源是否已永久缓存。
func (c *Controller) IsCached(rawURL string) bool {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return false
	}
	return c.store.Exists(ref.Identifier)
}
