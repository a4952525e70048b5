package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/halcyon-dev/courier/internal/observability"
)

const RequestIDHeader = "X-Request-ID"

// RequestID stamps every request with a correlation id, honoring one
// supplied by the caller. Downstream code reads it back through
// observability.CorrelationIDFromContext.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}

		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		c.Set(RequestIDHeader, id)

		return c.Next()
	}
}
