package handlers

import (
	"errors"

	"snapmap/apperrors"
	"snapmap/logger"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler turns errors returned by handlers into {"error": msg}.
// Server-side failures are logged with their cause and answered generically.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	status := apperrors.HTTPStatus(apperrors.CodeOf(err))
	if status >= fiber.StatusInternalServerError {
		logger.Named("http").Error().Err(err).Str("path", c.Path()).Msg("[HTTP] ❌ request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": apperrors.PublicMessage(err)})
}
