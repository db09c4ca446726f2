package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cacheindex"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/metrics"
	"github.com/any-hub/any-cache/internal/sessioncache"
	"github.com/any-hub/any-cache/internal/transport"
)

const (
	originalURL = "https://upload.example.org/wikipedia/commons/a/ab/Foo.jpg"
	thumbURL    = "https://upload.example.org/wikipedia/commons/thumb/a/ab/Foo.jpg/120px-Foo.jpg"
)

type harness struct {
	controller *Controller
	transport  *fakeTransport
	store      cache.Store
	index      *cacheindex.Index
}

func newHarness(t *testing.T, auto bool) *harness {
	t.Helper()
	store, err := cache.NewStore(filepath.Join(t.TempDir(), "permanent"))
	if err != nil {
		t.Fatalf("创建 store 失败: %v", err)
	}
	index, err := cacheindex.Open(store.Dir())
	if err != nil {
		t.Fatalf("打开索引失败: %v", err)
	}
	session, err := sessioncache.New(1 << 20)
	if err != nil {
		t.Fatalf("创建会话缓存失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tr := &fakeTransport{body: []byte("image-bytes"), mime: "image/jpeg", auto: auto}
	controller, err := New(Options{
		Transport:       tr,
		Store:           store,
		Index:           index,
		Session:         session,
		Logger:          logger,
		Metrics:         metrics.New(nil),
		MemoryCacheSize: 1 << 20,
	})
	if err != nil {
		t.Fatalf("创建控制器失败: %v", err)
	}
	t.Cleanup(func() {
		controller.Close()
		session.Close()
		_ = index.Close()
	})
	return &harness{controller: controller, transport: tr, store: store, index: index}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("等待条件超时")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("等待回调超时")
		var zero T
		return zero
	}
}

func TestFetchCoalescesConcurrentRequests(t *testing.T) {
	h := newHarness(t, false)
	results := make(chan *Object, 3)

	for i := 0; i < 3; i++ {
		h.controller.Fetch(context.Background(), thumbURL, transport.PriorityDefault, func(err error) {
			t.Errorf("不应失败: %v", err)
		}, func(obj *Object) {
			results <- obj
		})
	}
	if got := h.transport.count(); got != 1 {
		t.Fatalf("三次 Fetch 应只发起一次传输，实际 %d", got)
	}

	h.transport.respondAll()
	for i := 0; i < 3; i++ {
		obj := receive(t, results)
		if string(obj.Data) != "image-bytes" || obj.Variant != 120 {
			t.Fatalf("结果错误: %+v", obj)
		}
	}

	obj, ok := h.controller.Lookup(thumbURL)
	if !ok || obj.Tier != metrics.TierMemory {
		t.Fatalf("拉取后应命中内存层: %+v %v", obj, ok)
	}
	h.controller.ClearMemory()
	obj, ok = h.controller.Lookup(thumbURL)
	if !ok || obj.Tier != metrics.TierSession {
		t.Fatalf("清空内存后应命中会话层: %+v %v", obj, ok)
	}
}

func TestCancelFetchSuppressesCompletions(t *testing.T) {
	h := newHarness(t, false)
	var mu sync.Mutex
	calls := 0
	record := func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	for i := 0; i < 2; i++ {
		h.controller.Fetch(context.Background(), originalURL, transport.PriorityDefault,
			func(error) { record() }, func(*Object) { record() })
	}
	if !h.controller.CancelFetch(originalURL) {
		t.Fatalf("应存在进行中的任务")
	}
	h.transport.respondAll()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("取消后不应调用任何回调，实际 %d", calls)
	}
	if fetches, _ := h.controller.Pending(); fetches != 0 {
		t.Fatalf("取消后不应残留任务")
	}
}

func TestFetchContextCancelDropsOnlyThatCaller(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan string, 2)

	h.controller.Fetch(ctx, originalURL, transport.PriorityDefault, nil, func(*Object) { results <- "cancelled-caller" })
	h.controller.Fetch(context.Background(), originalURL, transport.PriorityDefault, nil, func(*Object) { results <- "kept-caller" })
	cancel()
	waitFor(t, func() bool { return h.controller.fetches.Waiters(mustIdentifier(t, originalURL)) == 1 })

	h.transport.respondAll()
	if got := receive(t, results); got != "kept-caller" {
		t.Fatalf("只应通知未取消的调用方，实际 %s", got)
	}
	select {
	case got := <-results:
		t.Fatalf("多余的回调: %s", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFetchInvalidURL(t *testing.T) {
	h := newHarness(t, true)
	var got error
	h.controller.Fetch(context.Background(), "", transport.PriorityDefault, func(err error) { got = err }, nil)
	if !errors.Is(got, ErrInvalidOrEmptyURL) {
		t.Fatalf("期望 ErrInvalidOrEmptyURL，实际 %v", got)
	}
}

func TestFetchImageDecodes(t *testing.T) {
	h := newHarness(t, true)
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 3))); err != nil {
		t.Fatalf("编码 PNG 失败: %v", err)
	}
	h.transport.body = buf.Bytes()
	h.transport.mime = "image/png"

	sizes := make(chan image.Point, 1)
	h.controller.FetchImage(context.Background(), originalURL, transport.PriorityHigh, func(err error) {
		t.Errorf("不应失败: %v", err)
	}, func(img image.Image, obj *Object) {
		sizes <- img.Bounds().Size()
	})
	if size := receive(t, sizes); size != (image.Point{X: 2, Y: 3}) {
		t.Fatalf("尺寸错误: %v", size)
	}
}

func TestFetchImageRejectsUndecodableBody(t *testing.T) {
	h := newHarness(t, true)
	failures := make(chan error, 1)
	h.controller.FetchImage(context.Background(), originalURL, transport.PriorityHigh, func(err error) {
		failures <- err
	}, func(image.Image, *Object) {
		t.Errorf("不应成功")
	})
	if err := receive(t, failures); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("期望 ErrInvalidResponse，实际 %v", err)
	}
}

func TestFetchPropagatesNotFound(t *testing.T) {
	h := newHarness(t, true)
	h.transport.err = transport.ErrNotFound
	failures := make(chan error, 1)
	h.controller.Fetch(context.Background(), originalURL, transport.PriorityDefault, func(err error) {
		failures <- err
	}, nil)
	if err := receive(t, failures); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func TestCascadingFetchDeliversPlaceholderFirst(t *testing.T) {
	h := newHarness(t, false)
	if err := h.controller.StoreData(context.Background(), thumbURL, []byte("small"), "image/jpeg"); err != nil {
		t.Fatalf("写入占位数据失败: %v", err)
	}

	var order []string
	var mu sync.Mutex
	mainDone := make(chan struct{})
	h.controller.CascadingFetch(context.Background(), originalURL, thumbURL, func(obj *Object) {
		mu.Lock()
		order = append(order, "placeholder:"+string(obj.Data))
		mu.Unlock()
	}, func(obj *Object) {
		mu.Lock()
		order = append(order, "main:"+string(obj.Data))
		mu.Unlock()
		close(mainDone)
	}, func(err error) {
		t.Errorf("不应失败: %v", err)
	})
	h.transport.respondAll()
	receive(t, chanOf(mainDone))

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "placeholder:small" || order[1] != "main:image-bytes" {
		t.Fatalf("交付顺序错误: %v", order)
	}
}

func TestPrefetchSwallowsFailures(t *testing.T) {
	h := newHarness(t, true)
	h.transport.err = errors.New("network down")
	done := make(chan struct{})
	h.controller.Prefetch(originalURL, func() { close(done) })
	receive(t, chanOf(done))
}

func TestCloseFailsPendingWithDeinit(t *testing.T) {
	h := newHarness(t, false)
	failures := make(chan error, 2)
	h.controller.Fetch(context.Background(), originalURL, transport.PriorityDefault, func(err error) { failures <- err }, nil)
	h.controller.PermanentlyCache(context.Background(), originalURL, "page", transport.PriorityDefault, func(err error) { failures <- err }, nil)
	waitFor(t, func() bool { return h.transport.count() == 2 })

	h.controller.Close()
	for i := 0; i < 2; i++ {
		if err := receive(t, failures); !errors.Is(err, ErrDeinit) {
			t.Fatalf("期望 ErrDeinit，实际 %v", err)
		}
	}

	var late error
	h.controller.Fetch(context.Background(), originalURL, transport.PriorityDefault, func(err error) { late = err }, nil)
	if !errors.Is(late, ErrDeinit) {
		t.Fatalf("关闭后的请求应立即失败，实际 %v", late)
	}
}

func chanOf(ch chan struct{}) <-chan struct{} {
	return ch
}

func mustIdentifier(t *testing.T, raw string) string {
	t.Helper()
	ref, err := cachekey.Resolve(raw)
	if err != nil {
		t.Fatalf("解析 %s 失败: %v", raw, err)
	}
	return ref.Identifier
}

func fileCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	n := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, cacheindex.DatabaseFileName) {
			continue
		}
		n++
	}
	return n
}
