package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit emits one structured record per request. It runs ahead of authentication,
// so the caller and tenant resolved further down the chain are read back after
// c.Next returns. Server errors log at error level, rejected requests at warn.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var ferr *fiber.Error
		switch {
		case errors.As(err, &ferr):
			status = ferr.Code
		case err != nil:
			status = fiber.StatusInternalServerError
		}

		attrs := []slog.Attr{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if tenant, _ := c.Locals(TenantLocal).(string); tenant != "" {
			attrs = append(attrs, slog.String("tenant_id", tenant))
		}
		if caller, _ := c.Locals(serviceLocal).(string); caller != "" {
			attrs = append(attrs, slog.String("caller", caller))
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}

		level := slog.LevelInfo
		switch {
		case status >= fiber.StatusInternalServerError:
			level = slog.LevelError
		case status >= fiber.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.UserContext(), level, "request completed", attrs...)
		return err
	}
}
