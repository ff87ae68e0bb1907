// handlers/errors.go
package handlers

import (
	"errors"
	"log"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"quest-progress-service/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json field names instead of Go ones
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError answers 400 with a field→tag map.
func validationError(c *fiber.Ctx, err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "validation failed",
		"fields": fields,
	})
}

// writeError maps service errors to HTTP responses. Only throttling carries
// details; everything else gets a generic message.
func writeError(c *fiber.Ctx, err error, now time.Time) error {
	var throttled *services.ThrottledError
	switch {
	case errors.As(err, &throttled):
		retry := int64(math.Ceil(throttled.RetryAfter(now).Seconds()))
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(retry, 10))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":               "too many attempts",
			"attempts_limit":      throttled.AttemptsLimit,
			"cooldown_expires_at": throttled.CooldownExpiresAt.UTC(),
			"retry_after_seconds": retry,
		})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, services.ErrUnauthenticated):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	case errors.Is(err, services.ErrAttemptIDReused):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "idempotency key already used"})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflicting concurrent request, please retry"})
	case errors.Is(err, services.ErrInsufficientBalance):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "insufficient balance"})
	case errors.Is(err, services.ErrStorageUnavailable):
		log.Printf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable, please retry"})
	default:
		log.Printf("[HTTP] %s %s: unexpected error: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "something went wrong"})
	}
}
