// middleware/sse_auth.go
package middleware

import (
	"context"
	"log"
	"strings"

	"quest-progress-service/services"

	"github.com/gofiber/fiber/v2"
)

// TokenValidator checks an end-user access token (the auth service in production).
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken, deviceID string) (*services.ValidateResponse, error)
}

// SSEAuthMiddleware authenticates EventSource requests, which cannot send
// headers, from the `token` and `device_id` query params.
//
// Usage:
//
//	app.Get("/sse/ledger/stream", middleware.SSEAuthMiddleware(authClient), ledger.StreamLedgerSSE)
func SSEAuthMiddleware(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))

		if accessToken == "" || deviceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing token or device_id in query",
			})
		}

		resp, err := validator.ValidateToken(c.UserContext(), accessToken, deviceID)
		if err != nil || resp.UserID == "" {
			log.Printf("[SSEAuth] ❌ Validation failed for device %s: %v", deviceID, err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		c.Locals("user_id", resp.UserID)
		c.Locals("user_roles", resp.Roles)
		log.Printf("[SSEAuth] ✅ Authenticated student %s (device %s)", resp.UserID, resp.DeviceID)
		return c.Next()
	}
}
