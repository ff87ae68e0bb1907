// handlers/progression_routes.go
package handlers

import (
	"quest-progress-service/middleware"
	"quest-progress-service/models"
	"quest-progress-service/services"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
)

type adjustBody struct {
	StudentID      string `json:"student_id" validate:"required,max=64"`
	Currency       string `json:"currency" validate:"required,oneof=xp coins"`
	Amount         int64  `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=100"`
	Reason         string `json:"reason" validate:"required,max=500"`
}

func SetupProgressionRoutes(
	secured fiber.Router,
	progress *services.ProgressService,
	ledger *services.LedgerService,
	adjustments *services.AdjustmentService,
	clock clockwork.Clock,
) {
	secured.Get("/user/progress", func(c *fiber.Ctx) error {
		studentID, _ := c.Locals("user_id").(string)
		p, err := progress.GetProgress(c.UserContext(), studentID)
		if err != nil {
			return writeError(c, err, clock.Now())
		}
		return c.JSON(p)
	})

	secured.Get("/user/ledger", func(c *fiber.Ctx) error {
		studentID, _ := c.Locals("user_id").(string)
		page := c.QueryInt("page", 1)
		size := c.QueryInt("size", 20)

		history, err := ledger.History(c.UserContext(), studentID, page, size)
		if err != nil {
			return writeError(c, err, clock.Now())
		}
		balances, err := ledger.Balances(c.UserContext(), studentID)
		if err != nil {
			return writeError(c, err, clock.Now())
		}
		return c.JSON(fiber.Map{
			"entries":  history.Entries,
			"total":    history.Total,
			"page":     history.Page,
			"size":     history.Size,
			"balances": balances,
		})
	})

	secured.Get("/user/ledger/stream", ledger.StreamLedgerSSE)

	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	admin.Post("/ledger/adjust", func(c *fiber.Ctx) error {
		actor, _ := c.Locals("user_id").(string)

		var body adjustBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := validate.Struct(body); err != nil {
			return validationError(c, err)
		}

		result, err := adjustments.Adjust(c.UserContext(), services.AdjustmentRequest{
			StudentID:      body.StudentID,
			Currency:       models.Currency(body.Currency),
			Amount:         body.Amount,
			IdempotencyKey: body.IdempotencyKey,
			Reason:         body.Reason,
			Actor:          actor,
		})
		if err != nil {
			return writeError(c, err, clock.Now())
		}

		status := fiber.StatusCreated
		if result.Replayed {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(result)
	})
}

// SetupSSERoutes exposes the ledger stream to EventSource clients that
// authenticate with a query token.
func SetupSSERoutes(app fiber.Router, validator middleware.TokenValidator, ledger *services.LedgerService) {
	app.Get("/sse/ledger/stream", middleware.SSEAuthMiddleware(validator), ledger.StreamLedgerSSE)
}
