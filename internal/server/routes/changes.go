package routes

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
)

// ChangeWaiter 阻塞等待远端资源的 ETag 变化。
type ChangeWaiter interface {
	Wait(ctx context.Context, rawURL, knownTag string, maxAttempts int) (string, error)
}

// RegisterChangeRoutes 注册 GET /-/changes。max 缺省为 0，由轮询器使用默认次数。
func RegisterChangeRoutes(app *fiber.App, waiter ChangeWaiter) {
	if app == nil || waiter == nil {
		return
	}

	app.Get("/-/changes", func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return renderBadRequest(c, "url_required")
		}
		maxAttempts := 0
		if raw := strings.TrimSpace(c.Query("max")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				return renderBadRequest(c, "invalid_max")
			}
			maxAttempts = parsed
		}

		tag, err := waiter.Wait(requestContext(c), rawURL, c.Query("etag"), maxAttempts)
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"etag": tag})
	})
}
