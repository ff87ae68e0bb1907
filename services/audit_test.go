package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quest-progress-service/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeUploader) PutJSON(ctx context.Context, key string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeUploader) uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func TestAuditFindsDrift(t *testing.T) {
	db := newTestDB(t)
	clock := clockwork.NewFakeClockAt(testStart)
	c := newTestCoordinator(db, clock)
	seedStudent(t, db, "clean")
	seedStudent(t, db, "drifted")
	seedActivity(t, db, "act-1", 300, nil)
	ctx := context.Background()

	for _, id := range []string{"clean", "drifted"} {
		_, err := c.Complete(ctx, CompletionRequest{ActivityID: "act-1", StudentID: id})
		require.NoError(t, err)
	}
	// coins granted outside the ledger
	require.NoError(t, db.Model(&models.Student{}).Where("id = ?", "drifted").Update("coins", 999).Error)

	uploader := &fakeUploader{}
	audit := NewAuditService(db, uploader, clock)
	audit.BatchSize = 1

	report, err := audit.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.StudentsChecked)
	require.Len(t, report.Discrepancies, 1)

	d := report.Discrepancies[0]
	assert.Equal(t, "drifted", d.StudentID)
	assert.Equal(t, int64(300), d.StoredXP)
	assert.Equal(t, int64(300), d.LedgerXP)
	assert.Equal(t, int64(999), d.StoredCoins)
	assert.Equal(t, int64(300), d.LedgerCoins)

	assert.Equal(t, "audits/20260310T090000Z.json", report.ReportKey)
	assert.Equal(t, []string{report.ReportKey}, uploader.keys)
}

func TestAuditUploadFailureKeepsReport(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "stu-1")

	audit := NewAuditService(db, &fakeUploader{err: errors.New("r2 down")}, clockwork.NewFakeClockAt(testStart))
	report, err := audit.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StudentsChecked)
	assert.Empty(t, report.Discrepancies)
	assert.Empty(t, report.ReportKey)
}

func TestAuditSchedulerRunsOnInterval(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "stu-1")
	clock := clockwork.NewFakeClockAt(testStart)
	uploader := &fakeUploader{}
	audit := NewAuditService(db, uploader, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := audit.StartAuditScheduler(ctx, time.Hour)
	require.NoError(t, err)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)

	assert.Eventually(t, func() bool { return uploader.uploads() >= 1 }, 5*time.Second, 10*time.Millisecond)
}
