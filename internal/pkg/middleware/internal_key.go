package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/internal/pkg/accountcontext"
)

// InternalKeyMiddleware authenticates platform services by the shared internal
// key. An empty key disables the check (local mode).
func InternalKeyMiddleware(apiKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if apiKey == "" {
			c.Locals(accountcontext.KeyAuthenticated, true)
			return c.Next()
		}
		presented := extractInternalKey(c)
		if presented == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing internal key"})
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			log.Warnf("[Auth] security: invalid internal key from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid internal key"})
		}
		c.Locals(accountcontext.KeyAuthenticated, true)
		return c.Next()
	}
}

func extractInternalKey(c *fiber.Ctx) string {
	key := strings.TrimSpace(c.Get(accountcontext.HeaderInternalKey))
	if key != "" {
		return key
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
