package sessioncache

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Entry 描述一次缓存的响应。
type Entry struct {
	Data     []byte
	MIMEType string
	ETag     string
	StoredAt time.Time
}

// Cache 以字节为成本上限保存响应正文。
type Cache struct {
	entries *ristretto.Cache[string, Entry]
	now     func() time.Time
}

// New 创建容量为 maxBytes 的会话缓存。
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	entries, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters:        counters(maxBytes),
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, now: time.Now}, nil
}

// 按平均 4KiB 一条估算计数器数量，保持 10 倍冗余。
func counters(maxBytes int64) int64 {
	n := maxBytes / 4096 * 10
	if n < 1000 {
		n = 1000
	}
	return n
}

// Get 按原始请求 URL 读取。
func (c *Cache) Get(rawURL string) (Entry, bool) {
	if c == nil || rawURL == "" {
		return Entry{}, false
	}
	return c.entries.Get(rawURL)
}

// Put 写入条目并等待其可见；空正文不缓存。
func (c *Cache) Put(rawURL string, entry Entry) bool {
	if c == nil || rawURL == "" || len(entry.Data) == 0 {
		return false
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now()
	}
	ok := c.entries.Set(rawURL, entry, int64(len(entry.Data)))
	c.entries.Wait()
	return ok
}

// StoreResponse 按响应头决定是否缓存，遵守 Cache-Control: no-store。
func (c *Cache) StoreResponse(rawURL string, header http.Header, data []byte, mimeType string) bool {
	if !Cacheable(header) {
		return false
	}
	etag := ""
	if header != nil {
		etag = header.Get("ETag")
	}
	return c.Put(rawURL, Entry{Data: data, MIMEType: mimeType, ETag: etag})
}

// Remove 删除单个条目。
func (c *Cache) Remove(rawURL string) {
	if c == nil {
		return
	}
	c.entries.Del(rawURL)
}

// Clear 清空所有条目。
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.entries.Clear()
}

// Close 释放 ristretto 后台协程。
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.entries.Close()
}

// Cacheable 判断响应是否允许进入会话缓存。
func Cacheable(header http.Header) bool {
	if header == nil {
		return true
	}
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return false
			}
		}
	}
	return true
}
