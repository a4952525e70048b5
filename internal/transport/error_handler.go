package transport

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/halcyon-dev/courier/internal/observability"
)

// ErrorHandler converts errors escaping route handlers into JSON
// responses. Client errors are logged at warn; everything else means a
// bug or a broken dependency and gets the full error treatment.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		log := observability.WithContextLogger(logger, c.UserContext())
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Warn("request rejected", fields...)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
