// workers/student_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// ProfileChange is one user record from the profile sync service.
type ProfileChange struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"external_id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	AccountStatus string    `json:"account_status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GetUserChangesResponse is the top-level structure of the sync service response.
type GetUserChangesResponse struct {
	Users []ProfileChange `json:"users"`
}

// StudentDirectory creates or refreshes local student rows.
type StudentDirectory interface {
	EnsureStudent(ctx context.Context, id, username, email string) error
}

// StudentSyncWorker mirrors profiles into the students table so completion
// requests can be resolved locally.
type StudentSyncWorker struct {
	students     StudentDirectory
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	since        time.Time
}

func NewStudentSyncWorker(students StudentDirectory, syncServiceBaseURL, endpointPath, serviceToken string, interval time.Duration) *StudentSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StudentSyncWorker{
		students:     students,
		interval:     interval,
		baseURL:      syncServiceBaseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (w *StudentSyncWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Student Sync Worker (sync-service → students)…")
	go w.run(ctx)
}

func (w *StudentSyncWorker) run(ctx context.Context) {
	if err := w.SyncOnce(ctx); err != nil {
		log.Printf("[SYNC] ⚠️ Initial sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				log.Printf("[SYNC] ❌ Sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Student Sync Worker stopped")
			return
		}
	}
}

// SyncOnce pulls every profile changed since the last successful sync.
// Progression columns are never touched.
func (w *StudentSyncWorker) SyncOnce(ctx context.Context) error {
	changes, err := w.fetch(ctx, w.since)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	var upserted, skipped, failed int
	latest := w.since
	for _, p := range changes {
		if p.UpdatedAt.After(latest) {
			latest = p.UpdatedAt
		}
		if p.ExternalID == "" {
			skipped++
			continue
		}
		if err := w.students.EnsureStudent(ctx, p.ExternalID, p.Username, p.Email); err != nil {
			failed++
			log.Printf("[SYNC] ⚠️ Failed to upsert student %q: %v", p.ExternalID, err)
			continue
		}
		upserted++
	}

	// keep the cursor where it was if anything failed so the next run retries
	if failed == 0 {
		w.since = latest
	}
	log.Printf("[SYNC] ✅ Synced %d profile(s): %d upserted, %d skipped, %d errors",
		len(changes), upserted, skipped, failed)
	return nil
}

func (w *StudentSyncWorker) fetch(ctx context.Context, since time.Time) ([]ProfileChange, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base sync service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()
	finalURL := endpointURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service non-200 response: %d: %s", resp.StatusCode, string(body))
	}

	var response GetUserChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Users, nil
}
