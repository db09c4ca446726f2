package server

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cacheindex"
	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/media"
	"github.com/any-hub/any-cache/internal/metrics"
	"github.com/any-hub/any-cache/internal/poller"
	"github.com/any-hub/any-cache/internal/sessioncache"
	"github.com/any-hub/any-cache/internal/transport"
)

// Services 聚合运行期共享的缓存组件。
type Services struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Index      *cacheindex.Index
	Store      cache.Store
	Session    *sessioncache.Cache
	Controller *media.Controller
	Poller     *poller.Poller
}

// Bootstrap 按“索引 → 磁盘存储 → 会话缓存 → 传输层 → 控制器 → 轮询器”顺序构建服务，
// 然后导入旧版缓存目录并修复索引与磁盘的不一致。任一步失败都会释放已创建的资源。
func Bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	svc := &Services{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	svc.Metrics = metrics.New(svc.Registry)

	permanentPath := cfg.Global.PermanentPath()
	index, err := cacheindex.OpenWithLogger(permanentPath, logging.IndexLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	svc.Index = index

	store, err := cache.NewStore(permanentPath)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("init disk store: %w", err)
	}
	svc.Store = store

	session, err := sessioncache.New(cfg.Global.SessionCacheSize.Bytes())
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("init session cache: %w", err)
	}
	svc.Session = session

	client := NewUpstreamClient(cfg)
	tr := transport.NewHTTPTransport(transport.Options{
		Client:               client,
		Logger:               logger,
		MaxConcurrent:        int64(cfg.Global.MaxConcurrentFetches),
		MaxBackgroundFetches: int64(cfg.Global.MaxBackgroundFetches),
		UserAgent:            cfg.Global.UserAgent,
	})

	controller, err := media.New(media.Options{
		Transport:       tr,
		Store:           store,
		Index:           index,
		Session:         session,
		Logger:          logger,
		Metrics:         svc.Metrics,
		MemoryCacheSize: cfg.Global.MemoryCacheSize.Bytes(),
	})
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("init media controller: %w", err)
	}
	svc.Controller = controller

	svc.Poller = poller.New(poller.Options{
		Client:             client,
		Logger:             logger,
		Metrics:            svc.Metrics,
		DefaultMaxAttempts: cfg.Poll.MaxAttempts,
		BaseDelay:          cfg.Poll.BaseDelay.DurationValue(),
	})

	if err := svc.repair(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// repair 导入旧版缓存并执行一次一致性修复。
func (s *Services) repair(ctx context.Context) error {
	global := s.Config.Global
	if global.LegacyCachePath != "" {
		imported, err := s.Controller.ImportLegacy(ctx, global.LegacyCachePath, global.LegacyCacheGroup)
		if err != nil {
			return fmt.Errorf("import legacy cache: %w", err)
		}
		fields := logging.CacheFields("legacy_import", global.LegacyCachePath, global.LegacyCacheGroup, "")
		fields["imported"] = imported
		s.Logger.WithFields(fields).Info("旧版缓存导入完成")
	}

	report, err := s.Controller.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile cache: %w", err)
	}
	fields := logging.CacheFields("reconcile", global.PermanentPath(), "", "")
	fields["orphan_rows"] = report.OrphanRows
	fields["orphan_blobs"] = report.OrphanBlobs
	s.Logger.WithFields(fields).Info("缓存一致性检查完成")
	return nil
}

// Close 按与构建相反的顺序释放资源，可重复调用。
func (s *Services) Close() {
	if s == nil {
		return
	}
	if s.Poller != nil {
		s.Poller.CancelAll()
	}
	if s.Controller != nil {
		s.Controller.Close()
		s.Controller = nil
	}
	if s.Session != nil {
		s.Session.Close()
		s.Session = nil
	}
	if s.Index != nil {
		if err := s.Index.Close(); err != nil {
			s.Logger.WithError(err).Warn("关闭缓存索引失败")
		}
		s.Index = nil
	}
}
