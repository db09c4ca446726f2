package sessioncache

import (
	"net/http"
	"testing"
)

func TestPutGetByLiteralURL(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	defer c.Close()

	if !c.Put("https://upload.example.org/a.png?x=1", Entry{Data: []byte("abc"), MIMEType: "image/png"}) {
		t.Fatalf("写入应成功")
	}
	entry, ok := c.Get("https://upload.example.org/a.png?x=1")
	if !ok || string(entry.Data) != "abc" || entry.MIMEType != "image/png" {
		t.Fatalf("读取结果错误: %+v %v", entry, ok)
	}
	if entry.StoredAt.IsZero() {
		t.Fatalf("StoredAt 应自动填充")
	}
	if _, ok := c.Get("http://upload.example.org/a.png?x=1"); ok {
		t.Fatalf("会话层应按字面 URL 匹配")
	}
}

func TestEmptyBodyIsNotStored(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	defer c.Close()

	if c.Put("https://example.org/empty", Entry{}) {
		t.Fatalf("空正文不应缓存")
	}
}

func TestStoreResponseHonorsNoStore(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	defer c.Close()

	header := http.Header{}
	header.Set("Cache-Control", "private, no-store")
	if c.StoreResponse("https://example.org/a", header, []byte("x"), "text/plain") {
		t.Fatalf("no-store 响应不应缓存")
	}

	header = http.Header{}
	header.Set("ETag", `"v1"`)
	if !c.StoreResponse("https://example.org/b", header, []byte("y"), "text/plain") {
		t.Fatalf("普通响应应缓存")
	}
	entry, ok := c.Get("https://example.org/b")
	if !ok || entry.ETag != `"v1"` {
		t.Fatalf("ETag 未保存: %+v", entry)
	}
}

func TestRemoveAndClear(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	defer c.Close()

	c.Put("a", Entry{Data: []byte("1")})
	c.Put("b", Entry{Data: []byte("2")})
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a 应被删除")
	}
	c.Clear()
	if _, ok := c.Get("b"); ok {
		t.Fatalf("Clear 后不应命中")
	}
}
