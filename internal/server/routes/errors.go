package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cache/internal/media"
	"github.com/any-hub/any-cache/internal/poller"
	"github.com/any-hub/any-cache/internal/transport"
)

// errorStatus 将缓存层错误映射为 HTTP 状态码与错误码。
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, media.ErrInvalidOrEmptyURL):
		return fiber.StatusBadRequest, "invalid_url"
	case errors.Is(err, media.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, poller.ErrTimedOut):
		return fiber.StatusGatewayTimeout, "timed_out"
	case errors.Is(err, media.ErrDeinit), errors.Is(err, transport.ErrCancelled):
		return fiber.StatusServiceUnavailable, "cancelled"
	case errors.Is(err, media.ErrFilesystem), errors.Is(err, media.ErrIndex), errors.Is(err, media.ErrInvalidCacheState):
		return fiber.StatusInternalServerError, "cache_error"
	default:
		return fiber.StatusBadGateway, "upstream_failed"
	}
}

func renderError(c fiber.Ctx, err error) error {
	status, code := errorStatus(err)
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": err.Error(),
	})
}

func renderBadRequest(c fiber.Ctx, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code})
}
