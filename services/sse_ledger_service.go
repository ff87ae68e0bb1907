package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
)

// SSEPollInterval is how often the ledger stream checks for new entries.
var SSEPollInterval = 2 * time.Second

// StreamLedgerSSE streams new ledger entries of the authenticated student
func (s *LedgerService) StreamLedgerSSE(c *fiber.Ctx) error {
	studentID, _ := c.Locals("user_id").(string)
	if studentID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	done := c.Context().Done()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx := context.Background()
		ticker := time.NewTicker(SSEPollInterval)
		defer ticker.Stop()

		cursor, err := s.Latest(ctx, studentID)
		if err != nil {
			log.Printf("[LEDGER] SSE init error for student %s: %v", studentID, err)
		}

		// keepalive comment
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case <-ticker.C:
				entries, err := s.Since(ctx, studentID, cursor)
				if err != nil {
					log.Printf("[LEDGER] SSE query error for student %s: %v", studentID, err)
					continue
				}
				if len(entries) == 0 {
					w.WriteString(":\n\n")
				} else {
					cursor = entries[len(entries)-1].CreatedAt
					for _, e := range entries {
						payload, _ := json.Marshal(e)
						fmt.Fprintf(w, "event: ledger\ndata: %s\n\n", payload)
					}
				}
				if err := w.Flush(); err != nil {
					// client disconnected
					return
				}
			case <-done:
				return
			}
		}
	})
	return nil
}
