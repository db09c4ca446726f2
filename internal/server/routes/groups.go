package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/server"
)

// GroupService 是永久缓存分组的管理能力。
type GroupService interface {
	PermanentlyCacheBatch(ctx context.Context, urls []string, groupKey string) error
	RemoveGroup(ctx context.Context, groupKey string) error
}

type groupRequest struct {
	URLs []string `json:"urls"`
}

// RegisterGroupRoutes 注册 PUT/DELETE /groups/:key。
func RegisterGroupRoutes(app *fiber.App, svc GroupService, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Put("/groups/:key", func(c fiber.Ctx) error {
		key := strings.TrimSpace(c.Params("key"))
		if key == "" {
			return renderBadRequest(c, "group_key_required")
		}
		var req groupRequest
		if err := c.Bind().JSON(&req); err != nil {
			return renderBadRequest(c, "invalid_body")
		}
		urls := compactURLs(req.URLs)
		if len(urls) == 0 {
			return renderBadRequest(c, "urls_required")
		}

		fields := logging.CacheFields("group_cache", key, key, "")
		fields["urls"] = len(urls)
		fields["request_id"] = server.RequestID(c)
		if err := svc.PermanentlyCacheBatch(requestContext(c), urls, key); err != nil {
			logger.WithError(err).WithFields(fields).Warn("group cache failed")
			return renderError(c, err)
		}
		logger.WithFields(fields).Info("group cached")
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/groups/:key", func(c fiber.Ctx) error {
		key := strings.TrimSpace(c.Params("key"))
		if key == "" {
			return renderBadRequest(c, "group_key_required")
		}
		if err := svc.RemoveGroup(requestContext(c), key); err != nil {
			fields := logging.CacheFields("group_remove", key, key, "")
			fields["request_id"] = server.RequestID(c)
			logger.WithError(err).WithFields(fields).Warn("group remove failed")
			return renderError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func compactURLs(urls []string) []string {
	result := make([]string, 0, len(urls))
	for _, raw := range urls {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
