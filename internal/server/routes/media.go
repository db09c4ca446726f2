package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/media"
	"github.com/any-hub/any-cache/internal/server"
	"github.com/any-hub/any-cache/internal/transport"
)

// HeaderTier 标记响应命中的缓存层级。
const HeaderTier = "X-Any-Cache-Tier"

// tierNetwork 表示本次响应来自网络拉取。
const tierNetwork = "network"

// MediaService 是媒体路由依赖的控制器能力。
type MediaService interface {
	Lookup(rawURL string) (*media.Object, bool)
	FetchWait(ctx context.Context, rawURL string, priority transport.Priority) (*media.Object, error)
	CachedTypedData(rawURL string) cache.TypedData
}

// RegisterMediaRoutes 注册 GET /media 与 GET /media/cached。
func RegisterMediaRoutes(app *fiber.App, svc MediaService, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/media", func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return renderBadRequest(c, "url_required")
		}
		if obj, ok := svc.Lookup(rawURL); ok {
			return sendObject(c, obj, obj.Tier)
		}

		priority, ok := parsePriority(c.Query("priority"))
		if !ok {
			return renderBadRequest(c, "invalid_priority")
		}
		obj, err := svc.FetchWait(requestContext(c), rawURL, priority)
		if err != nil {
			fields := logging.CacheFields("media_fetch", rawURL, "", tierNetwork)
			fields["request_id"] = server.RequestID(c)
			logger.WithError(err).WithFields(fields).Warn("media fetch failed")
			return renderError(c, err)
		}
		return sendObject(c, obj, tierNetwork)
	})

	app.Get("/media/cached", func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return renderBadRequest(c, "url_required")
		}
		typed := svc.CachedTypedData(rawURL)
		if len(typed.Data) == 0 {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_cached"})
		}
		setContentType(c, typed.MIMEType)
		c.Set(HeaderTier, "disk")
		return c.Send(typed.Data)
	})
}

func sendObject(c fiber.Ctx, obj *media.Object, tier string) error {
	setContentType(c, obj.MIMEType)
	if tier == "" {
		tier = tierNetwork
	}
	c.Set(HeaderTier, tier)
	return c.Send(obj.Data)
}

func setContentType(c fiber.Ctx, mimeType string) {
	if mimeType == "" {
		mimeType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, mimeType)
}

// parsePriority 解析 low/default/high，空值视为 default。
func parsePriority(raw string) (transport.Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default":
		return transport.PriorityDefault, true
	case "low":
		return transport.PriorityLow, true
	case "high":
		return transport.PriorityHigh, true
	default:
		return 0, false
	}
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
