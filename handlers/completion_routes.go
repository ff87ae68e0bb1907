// handlers/completion_routes.go
package handlers

import (
	"time"

	"quest-progress-service/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type completionBody struct {
	CorrectCount *int       `json:"correct_count" validate:"omitempty,min=0"`
	TotalCount   *int       `json:"total_count" validate:"omitempty,min=0"`
	DurationSec  *int       `json:"duration_sec" validate:"omitempty,min=0"`
	XPAwarded    *int64     `json:"xp_awarded" validate:"omitempty,min=0"`
	CoinsAwarded *int64     `json:"coins_awarded" validate:"omitempty,min=0"`
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
}

type attemptStatusBody struct {
	ActivityIDs []string `json:"activity_ids" validate:"max=200,dive,required,max=64"`
}

type attemptSummary struct {
	ID          string    `json:"id"`
	Score       float64   `json:"score"`
	DurationSec int       `json:"duration_sec"`
	CreatedAt   time.Time `json:"created_at"`
}

type completionResponse struct {
	XPAwarded       int64                   `json:"xp_awarded"`
	CoinsAwarded    int64                   `json:"coins_awarded"`
	Score           float64                 `json:"score"`
	FirstCompletion bool                    `json:"first_completion"`
	Replayed        bool                    `json:"replayed"`
	Level           int                     `json:"level"`
	XPInLevel       int64                   `json:"xp_in_level"`
	LeveledUp       bool                    `json:"leveled_up"`
	Streak          services.Streak         `json:"streak"`
	Attempt         attemptSummary          `json:"attempt"`
	AttemptStatus   *services.AttemptStatus `json:"attempt_status"`
}

func SetupCompletionRoutes(secured fiber.Router, coordinator *services.CompletionCoordinator, clock clockwork.Clock) {
	secured.Post("/activities/attempt-status", func(c *fiber.Ctx) error {
		studentID, _ := c.Locals("user_id").(string)

		var body attemptStatusBody
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := validate.Struct(body); err != nil {
			return validationError(c, err)
		}

		statuses, err := coordinator.AttemptStatuses(c.UserContext(), studentID, body.ActivityIDs)
		if err != nil {
			return writeError(c, err, clock.Now())
		}
		return c.JSON(statuses)
	})

	secured.Post("/activities/:activityId/completion", func(c *fiber.Ctx) error {
		studentID, _ := c.Locals("user_id").(string)

		var body completionBody
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
			}
		}
		if err := validate.Struct(body); err != nil {
			return validationError(c, err)
		}

		var attemptID string
		if key := c.Get("Idempotency-Key"); key != "" {
			parsed, err := uuid.Parse(key)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Idempotency-Key must be a UUID"})
			}
			attemptID = parsed.String()
		}

		result, err := coordinator.Complete(c.UserContext(), services.CompletionRequest{
			ActivityID:   c.Params("activityId"),
			StudentID:    studentID,
			AttemptID:    attemptID,
			CorrectCount: body.CorrectCount,
			TotalCount:   body.TotalCount,
			DurationSec:  body.DurationSec,
			XPAwarded:    body.XPAwarded,
			CoinsAwarded: body.CoinsAwarded,
			StartedAt:    body.StartedAt,
			EndedAt:      body.EndedAt,
		})
		if err != nil {
			return writeError(c, err, clock.Now())
		}

		status := fiber.StatusCreated
		if result.Replayed {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(completionResponse{
			XPAwarded:       result.XPAwarded,
			CoinsAwarded:    result.CoinsAwarded,
			Score:           result.Score,
			FirstCompletion: result.FirstCompletion,
			Replayed:        result.Replayed,
			Level:           result.Level,
			XPInLevel:       result.XPInLevel,
			LeveledUp:       result.LeveledUp,
			Streak:          result.Streak,
			Attempt: attemptSummary{
				ID:          result.Attempt.ID,
				Score:       result.Attempt.Score,
				DurationSec: result.Attempt.DurationSec,
				CreatedAt:   result.Attempt.CreatedAt,
			},
			AttemptStatus: result.AttemptStatus,
		})
	})
}
