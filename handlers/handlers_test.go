package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"quest-progress-service/database"
	"quest-progress-service/middleware"
	"quest-progress-service/models"
	"quest-progress-service/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	app   *fiber.App
	db    *gorm.DB
	clock *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := clockwork.NewFakeClockAt(testStart)
	ledger := services.NewLedgerService(db)
	coordinator := services.NewCompletionCoordinator(db, ledger, services.CompletionOptions{Clock: clock})

	app := fiber.New()
	secured := app.Group("/s", middleware.UserContextMiddleware())
	SetupCompletionRoutes(secured, coordinator, clock)
	SetupProgressionRoutes(secured, services.NewProgressService(db), ledger, services.NewAdjustmentService(db, ledger, clock), clock)

	limit := 1
	require.NoError(t, db.Create(&models.Student{ID: "stu-1", Level: 1}).Error)
	require.NoError(t, db.Create(&models.Activity{ID: "act-1", SubjectID: "math", BaseXPReward: 100}).Error)
	require.NoError(t, db.Create(&models.Activity{ID: "quiz", SubjectID: "math", BaseXPReward: 40, AttemptLimit: &limit}).Error)

	return &testEnv{app: app, db: db, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestCompletionEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1",
		map[string]interface{}{"correct_count": 3, "total_count": 4, "duration_sec": 30}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(75), body["xp_awarded"])
	assert.Equal(t, float64(75), body["coins_awarded"])
	assert.Equal(t, true, body["first_completion"])
	assert.Nil(t, body["attempt_status"])

	streak := body["streak"].(map[string]interface{})
	assert.Equal(t, float64(1), streak["count"])
	attempt := body["attempt"].(map[string]interface{})
	assert.Equal(t, float64(30), attempt["duration_sec"])
	assert.NotEmpty(t, attempt["id"])

	e.clock.Advance(time.Minute)
	resp, body = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", nil, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(0), body["xp_awarded"])
	assert.Equal(t, false, body["first_completion"])
}

func TestCompletionEndpointErrors(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/s/activities/missing/completion", "stu-1", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "ghost", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", map[string]interface{}{"correct_count": -1}, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"correct_count": "min"}, body["fields"])

	resp, _ = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", map[string]interface{}{"correct_count": 5, "total_count": 2}, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", nil, map[string]string{"Idempotency-Key": "not-a-uuid"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCompletionEndpointThrottled(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/s/activities/quiz/completion", "stu-1", nil, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	status := body["attempt_status"].(map[string]interface{})
	assert.Equal(t, true, status["locked"])

	e.clock.Advance(5 * time.Minute)
	resp, body = e.do(t, http.MethodPost, "/s/activities/quiz/completion", "stu-1", nil, nil)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "600", resp.Header.Get("Retry-After"))
	assert.Equal(t, float64(1), body["attempts_limit"])
	assert.Equal(t, float64(600), body["retry_after_seconds"])
	assert.Equal(t, testStart.Add(15*time.Minute).Format(time.RFC3339), body["cooldown_expires_at"])
}

func TestCompletionEndpointReplay(t *testing.T) {
	e := newTestEnv(t)
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}

	resp, first := e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", nil, headers)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, again := e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", nil, headers)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, again["replayed"])
	assert.Equal(t, first["xp_awarded"], again["xp_awarded"])

	require.NoError(t, e.db.Create(&models.Student{ID: "stu-2", Level: 1}).Error)
	resp, _ = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-2", nil, headers)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAttemptStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	_, _ = e.do(t, http.MethodPost, "/s/activities/quiz/completion", "stu-1", nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/s/activities/attempt-status",
		bytes.NewReader([]byte(`{"activity_ids":["quiz","act-1","nope"]}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "stu-1")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var statuses []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, "quiz", statuses[0]["activity_id"])
	assert.Equal(t, true, statuses[0]["locked"])
	assert.Equal(t, float64(1), statuses[0]["attempts_used"])
	assert.Equal(t, "act-1", statuses[1]["activity_id"])
	assert.Nil(t, statuses[1]["attempts_limit"])

	var attempts int64
	require.NoError(t, e.db.Model(&models.AttemptRecord{}).Count(&attempts).Error)
	assert.Equal(t, int64(1), attempts)
}

func TestProgressAndLedgerEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, _ = e.do(t, http.MethodPost, "/s/activities/act-1/completion", "stu-1", nil, nil)

	resp, body := e.do(t, http.MethodGet, "/s/user/progress", "stu-1", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["level"])
	assert.Equal(t, float64(100), body["xp_in_level"])
	assert.Equal(t, float64(1000), body["xp_for_level"])
	assert.Equal(t, float64(100), body["cumulative_xp"])

	resp, body = e.do(t, http.MethodGet, "/s/user/ledger?page=1&size=10", "stu-1", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["entries"], 2)
	assert.Equal(t, map[string]interface{}{"xp": float64(100), "coins": float64(100)}, body["balances"])

	resp, body = e.do(t, http.MethodGet, "/s/user/ledger?page=0&size=500", "stu-1", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(100), body["size"])
}

func TestWriteErrorMapsLedgerConflict(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return writeError(c, fmt.Errorf("adjust: %w", services.ErrConflict), testStart)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestAdminAdjustEndpoint(t *testing.T) {
	e := newTestEnv(t)
	payload := map[string]interface{}{
		"student_id":      "stu-1",
		"currency":        "coins",
		"amount":          15,
		"idempotency_key": "support-123",
		"reason":          "lost reward",
	}

	resp, _ := e.do(t, http.MethodPost, "/s/admin/ledger/adjust", "ops-1", payload, nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	admin := map[string]string{"X-User-Roles": "support, admin"}
	resp, body := e.do(t, http.MethodPost, "/s/admin/ledger/adjust", "ops-1", payload, admin)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	progress := body["progress"].(map[string]interface{})
	assert.Equal(t, float64(15), progress["coins"])

	resp, body = e.do(t, http.MethodPost, "/s/admin/ledger/adjust", "ops-1", payload, admin)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["replayed"])

	payload["amount"] = -100
	payload["idempotency_key"] = "support-124"
	resp, _ = e.do(t, http.MethodPost, "/s/admin/ledger/adjust", "ops-1", payload, admin)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/s/admin/ledger/adjust", "ops-1", map[string]interface{}{"currency": "gems"}, admin)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	fields := body["fields"].(map[string]interface{})
	assert.Equal(t, "oneof", fields["currency"])
	assert.Equal(t, "required", fields["student_id"])
}
