package middleware

import (
	"crypto/hmac"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/sketchflow/billing/internal/pkg/env"
)

// APITokenMiddleware authenticates internal service-to-service requests
// carrying the shared token header.
func APITokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := strings.TrimSpace(env.GetEnv("INTERNAL_API_TOKEN", ""))
		if secret == "" {
			log.Error("[API] INTERNAL_API_TOKEN is not configured, rejecting request")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service_unavailable", "message": "API token not configured"})
		}

		token := extractAPITokenFromHeader(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API token"})
		}
		if !hmac.Equal([]byte(token), []byte(secret)) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API token"})
		}

		return c.Next()
	}
}

func extractAPITokenFromHeader(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-API-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
