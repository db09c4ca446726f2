package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/any-cache/internal/media"
	"github.com/any-hub/any-cache/internal/version"
)

// StatusSource 提供控制器运行时快照。
type StatusSource interface {
	Status(ctx context.Context) (media.Status, error)
}

// PollCounter 返回进行中的轮询数量。
type PollCounter interface {
	Active() int
}

type statusPayload struct {
	Version     string       `json:"version"`
	Cache       media.Status `json:"cache"`
	ActivePolls int          `json:"active_polls"`
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/metrics。gatherer 为空时不注册 metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, status StatusSource, polls PollCounter, gatherer prometheus.Gatherer) {
	if app == nil {
		return
	}

	if status != nil {
		app.Get("/-/status", func(c fiber.Ctx) error {
			snapshot, err := status.Status(requestContext(c))
			if err != nil {
				return renderError(c, err)
			}
			payload := statusPayload{
				Version: version.Full(),
				Cache:   snapshot,
			}
			if polls != nil {
				payload.ActivePolls = polls.Active()
			}
			return c.JSON(payload)
		})
	}

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
