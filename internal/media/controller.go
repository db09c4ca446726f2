package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cacheindex"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/inflight"
	"github.com/any-hub/any-cache/internal/metrics"
	"github.com/any-hub/any-cache/internal/sessioncache"
	"github.com/any-hub/any-cache/internal/transport"
)

// DefaultMemoryCacheSize 是内存层的默认字节上限。
const DefaultMemoryCacheSize int64 = 64 << 20

// CancelFunc 撤销一次调用方注册；重复调用无副作用。
type CancelFunc func()

func noopCancel() {}

// Object 是一次查找或拉取得到的内容。
type Object struct {
	Identifier string
	Key        string
	Variant    int64
	Data       []byte
	MIMEType   string
	// Tier 记录命中的层级：memory/session/disk，网络拉取时为空。
	Tier string
}

func (o *Object) withTier(tier string) *Object {
	clone := *o
	clone.Tier = tier
	return &clone
}

// Options 注入控制器依赖。
type Options struct {
	Transport       transport.Transport
	Store           cache.Store
	Index           *cacheindex.Index
	Session         *sessioncache.Cache
	Logger          *logrus.Logger
	Metrics         *metrics.Metrics
	MemoryCacheSize int64
}

// Controller 协调三层缓存、合并拉取与永久缓存。
type Controller struct {
	transport transport.Transport
	store     cache.Store
	index     *cacheindex.Index
	session   *sessioncache.Cache
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	memory    *ristretto.Cache[string, *Object]
	fetches   *inflight.Registry[*Object]
	downloads *inflight.Registry[*cache.Entry]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New 构造控制器。Transport、Store、Index 为必填项。
func New(opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, errors.New("media: transport required")
	}
	if opts.Store == nil {
		return nil, errors.New("media: store required")
	}
	if opts.Index == nil {
		return nil, errors.New("media: index required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	size := opts.MemoryCacheSize
	if size <= 0 {
		size = DefaultMemoryCacheSize
	}
	counters := size / 4096 * 10
	if counters < 1000 {
		counters = 1000
	}
	memory, err := ristretto.NewCache(&ristretto.Config[string, *Object]{
		NumCounters:        counters,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		transport: opts.Transport,
		store:     opts.Store,
		index:     opts.Index,
		session:   opts.Session,
		logger:    logger,
		metrics:   opts.Metrics,
		memory:    memory,
		fetches:   inflight.New[*Object](),
		downloads: inflight.New[*cache.Entry](),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// CancelFetch 取消 rawURL 对应的拉取任务，所有等待者的回调都被丢弃。
func (c *Controller) CancelFetch(rawURL string) bool {
	ref, err := cachekey.Resolve(rawURL)
	if err != nil {
		return false
	}
	return c.fetches.Cancel(ref.Identifier)
}

// CancelAll 取消全部拉取与永久缓存任务。
func (c *Controller) CancelAll() {
	c.fetches.CancelAll()
	c.downloads.CancelAll()
}

// ClearMemory 清空内存层，通常在内存告警时调用。
func (c *Controller) ClearMemory() {
	c.memory.Clear()
}

// Pending 返回进行中的拉取与永久缓存任务数量。
func (c *Controller) Pending() (fetches, downloads int) {
	return c.fetches.Len(), c.downloads.Len()
}

// Close 以 ErrDeinit 结束所有未完成请求并释放内存层；不关闭注入的 Store/Index。
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.fetches.FailAll(ErrDeinit)
	c.downloads.FailAll(ErrDeinit)
	c.cancel()
	c.memory.Close()
}

func (c *Controller) remember(obj *Object) {
	if c.closed.Load() || obj == nil || len(obj.Data) == 0 {
		return
	}
	stored := obj.withTier("")
	c.memory.Set(obj.Identifier, stored, int64(len(obj.Data)))
	c.memory.Wait()
}

// bindContext 在 ctx 结束时执行 leave，返回的函数同时撤销绑定。
func bindContext(ctx context.Context, leave func()) CancelFunc {
	if ctx == nil || ctx.Done() == nil {
		return leave
	}
	stop := context.AfterFunc(ctx, leave)
	return func() {
		stop()
		leave()
	}
}
