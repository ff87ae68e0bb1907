package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"quest-progress-service/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CompletionRequest is one "activity completed" event from a client.
// AttemptID is optional; when set it makes redelivery of the same submission
// a replay instead of a new attempt.
type CompletionRequest struct {
	ActivityID   string
	StudentID    string
	AttemptID    string
	CorrectCount *int
	TotalCount   *int
	DurationSec  *int
	XPAwarded    *int64
	CoinsAwarded *int64
	StartedAt    *time.Time
	EndedAt      *time.Time
}

func (r CompletionRequest) validate() error {
	if r.CorrectCount != nil && *r.CorrectCount < 0 {
		return fmt.Errorf("correct_count must not be negative: %w", ErrInvalidInput)
	}
	if r.TotalCount != nil && *r.TotalCount < 0 {
		return fmt.Errorf("total_count must not be negative: %w", ErrInvalidInput)
	}
	if r.CorrectCount != nil && r.TotalCount != nil && *r.CorrectCount > *r.TotalCount {
		return fmt.Errorf("correct_count exceeds total_count: %w", ErrInvalidInput)
	}
	if r.DurationSec != nil && *r.DurationSec < 0 {
		return fmt.Errorf("duration_sec must not be negative: %w", ErrInvalidInput)
	}
	if r.StartedAt != nil && r.EndedAt != nil && r.EndedAt.Before(*r.StartedAt) {
		return fmt.Errorf("ended_at before started_at: %w", ErrInvalidInput)
	}
	return nil
}

// CompletionResult is what the student gets back for a submission.
type CompletionResult struct {
	XPAwarded       int64
	CoinsAwarded    int64
	Score           float64
	FirstCompletion bool
	Replayed        bool
	Level           int
	XPInLevel       int64
	LeveledUp       bool
	Streak          Streak
	Attempt         models.AttemptRecord
	AttemptStatus   *AttemptStatus // nil when the activity has no attempt limit
}

// ActivityAttemptStatus is the throttle status of one activity.
type ActivityAttemptStatus struct {
	ActivityID string `json:"activity_id"`
	AttemptStatus
}

type CompletionOptions struct {
	Clock          clockwork.Clock
	CooldownWindow time.Duration
	RewardCeiling  int64
	Location       *time.Location // calendar used for streak days
	MaxRetries     int            // retries after an optimistic version conflict
}

// CompletionCoordinator admits, rewards and records activity completions.
// Everything one completion writes (attempt, student, ledger) commits in a
// single transaction.
type CompletionCoordinator struct {
	DB     *gorm.DB
	Ledger *LedgerService

	clock      clockwork.Clock
	window     time.Duration
	ceiling    int64
	loc        *time.Location
	maxRetries int
}

func NewCompletionCoordinator(db *gorm.DB, ledger *LedgerService, opts CompletionOptions) *CompletionCoordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CooldownWindow <= 0 {
		opts.CooldownWindow = DefaultCooldownWindow
	}
	if opts.RewardCeiling <= 0 {
		opts.RewardCeiling = DefaultRewardCeiling
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &CompletionCoordinator{
		DB:         db,
		Ledger:     ledger,
		clock:      opts.Clock,
		window:     opts.CooldownWindow,
		ceiling:    opts.RewardCeiling,
		loc:        opts.Location,
		maxRetries: opts.MaxRetries,
	}
}

// Complete processes one completion submission.
func (c *CompletionCoordinator) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if req.ActivityID == "" {
		return nil, fmt.Errorf("activity: %w", ErrNotFound)
	}
	if req.StudentID == "" {
		return nil, ErrUnauthenticated
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	attemptID := req.AttemptID
	if attemptID == "" {
		attemptID = uuid.NewString()
	}

	var (
		result *CompletionResult
		err    error
	)
	for try := 0; try <= c.maxRetries; try++ {
		result, err = c.completeOnce(ctx, req, attemptID)
		if !errors.Is(err, errStudentVersionConflict) {
			break
		}
		log.Printf("[COMPLETION] version conflict for student %s, retry %d/%d", req.StudentID, try+1, c.maxRetries)
	}
	if err != nil {
		return nil, classifyStorageError("completion", err)
	}

	if !result.Replayed {
		log.Printf("[COMPLETION] student=%s activity=%s attempt=%s first=%t xp=%d coins=%d level=%d",
			req.StudentID, req.ActivityID, result.Attempt.ID, result.FirstCompletion,
			result.XPAwarded, result.CoinsAwarded, result.Level)
	}
	return result, nil
}

func (c *CompletionCoordinator) completeOnce(ctx context.Context, req CompletionRequest, attemptID string) (*CompletionResult, error) {
	var result *CompletionResult

	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activity, err := loadActivity(tx, req.ActivityID)
		if err != nil {
			return err
		}
		student, err := lockStudent(tx, req.StudentID)
		if err != nil {
			return err
		}
		// read under the lock so created_at follows commit order per student
		now := c.clock.Now().UTC()

		if req.AttemptID != "" {
			replay, err := c.replay(tx, activity, student, req.AttemptID, now)
			if err != nil {
				return err
			}
			if replay != nil {
				result = replay
				return nil
			}
		}

		var past []time.Time
		if activity.HasAttemptLimit() {
			past, err = recentAttemptTimes(tx, student.ID, activity.ID, *activity.AttemptLimit)
			if err != nil {
				return err
			}
			if status := EvaluateAttempts(activity.AttemptLimit, past, now, c.window); status.Locked {
				return &ThrottledError{
					AttemptsLimit:     *activity.AttemptLimit,
					CooldownExpiresAt: *status.CooldownExpiresAt,
				}
			}
		}

		first, err := claimFirstCompletion(tx, student.ID, activity.ID, attemptID, now)
		if err != nil {
			return err
		}

		reward := ComputeReward(RewardInput{
			BaseXPReward:   activity.BaseXPReward,
			SafetyCeiling:  c.ceiling,
			CorrectCount:   derefInt(req.CorrectCount),
			TotalCount:     derefInt(req.TotalCount),
			RequestedXP:    req.XPAwarded,
			RequestedCoins: req.CoinsAwarded,
			Repeat:         !first,
		})

		level := NormalizeLevel(float64(student.Level))
		xpInLevel := student.XPInLevel
		if reward.XP > 0 || NeedsRenormalize(level, xpInLevel) {
			level, xpInLevel = ApplyGain(level, xpInLevel, reward.XP)
		}
		coins := student.Coins + reward.Coins
		streak := Streak{Count: student.StreakCount, LastCheck: student.StreakLastCheck}
		if reward.XP > 0 {
			streak = NextStreak(streak, now, c.loc)
		}
		completed := student.ActivitiesCompleted
		if first {
			completed++
		}

		attempt := models.AttemptRecord{
			ID:              attemptID,
			StudentID:       student.ID,
			ActivityID:      activity.ID,
			SubjectID:       activity.SubjectID,
			Score:           reward.Score,
			XPAwarded:       reward.XP,
			CoinsAwarded:    reward.Coins,
			CorrectCount:    derefInt(req.CorrectCount),
			TotalCount:      derefInt(req.TotalCount),
			DurationSec:     derefInt(req.DurationSec),
			FirstCompletion: first,
			StartedAt:       req.StartedAt,
			EndedAt:         req.EndedAt,
			CreatedAt:       now,
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return err
		}

		res := tx.Model(&models.Student{}).
			Where("id = ? AND version = ?", student.ID, student.Version).
			Updates(map[string]interface{}{
				"level":                level,
				"xp_in_level":          xpInLevel,
				"coins":                coins,
				"activities_completed": completed,
				"streak_count":         streak.Count,
				"streak_last_check":    streak.LastCheck,
				"version":              student.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStudentVersionConflict
		}

		if err := c.appendRewardEntries(ctx, tx, &attempt); err != nil {
			return err
		}

		var status *AttemptStatus
		if activity.HasAttemptLimit() {
			after := append([]time.Time{now}, past...)
			if len(after) > *activity.AttemptLimit {
				after = after[:*activity.AttemptLimit]
			}
			s := EvaluateAttempts(activity.AttemptLimit, after, now, c.window)
			status = &s
		}

		result = &CompletionResult{
			XPAwarded:       reward.XP,
			CoinsAwarded:    reward.Coins,
			Score:           reward.Score,
			FirstCompletion: first,
			Level:           level,
			XPInLevel:       xpInLevel,
			LeveledUp:       level > student.Level,
			Streak:          streak,
			Attempt:         attempt,
			AttemptStatus:   status,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// appendRewardEntries writes the XP and coin movements of an attempt, keyed by
// the attempt id. An entry that already exists is a no-op.
func (c *CompletionCoordinator) appendRewardEntries(ctx context.Context, tx *gorm.DB, attempt *models.AttemptRecord) error {
	key := attempt.ID
	meta := map[string]interface{}{
		"activity_id": attempt.ActivityID,
		"subject_id":  attempt.SubjectID,
		"score":       attempt.Score,
	}

	movements := []struct {
		currency models.Currency
		amount   int64
	}{
		{models.CurrencyXP, attempt.XPAwarded},
		{models.CurrencyCoins, attempt.CoinsAwarded},
	}
	for _, m := range movements {
		if m.amount == 0 {
			continue
		}
		_, err := c.Ledger.Append(ctx, tx, LedgerAppend{
			StudentID:        attempt.StudentID,
			Currency:         m.currency,
			Amount:           m.amount,
			Source:           models.LedgerSourceActivityCompletion,
			IdempotencyKey:   &key,
			RelatedAttemptID: &key,
			Meta:             meta,
			CreatedAt:        attempt.CreatedAt,
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// replay returns the stored outcome when attemptID was already recorded for
// this student and activity, nil when the id is new.
func (c *CompletionCoordinator) replay(tx *gorm.DB, activity *models.Activity, student *models.Student, attemptID string, now time.Time) (*CompletionResult, error) {
	var existing models.AttemptRecord
	err := tx.Where("id = ?", attemptID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.StudentID != student.ID || existing.ActivityID != activity.ID {
		return nil, ErrAttemptIDReused
	}

	status, err := c.statusFor(tx, activity, student.ID, now)
	if err != nil {
		return nil, err
	}
	return &CompletionResult{
		XPAwarded:       existing.XPAwarded,
		CoinsAwarded:    existing.CoinsAwarded,
		Score:           existing.Score,
		FirstCompletion: existing.FirstCompletion,
		Replayed:        true,
		Level:           student.Level,
		XPInLevel:       student.XPInLevel,
		Streak:          Streak{Count: student.StreakCount, LastCheck: student.StreakLastCheck},
		Attempt:         existing,
		AttemptStatus:   status,
	}, nil
}

// AttemptStatuses evaluates the throttle for several activities without
// writing anything. Unknown activity ids are skipped.
func (c *CompletionCoordinator) AttemptStatuses(ctx context.Context, studentID string, activityIDs []string) ([]ActivityAttemptStatus, error) {
	if studentID == "" {
		return nil, ErrUnauthenticated
	}
	db := c.DB.WithContext(ctx)

	var student models.Student
	if err := db.Where("id = ?", studentID).First(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, classifyStorageError("attempt status", err)
	}

	ids := dedupe(activityIDs)
	if len(ids) == 0 {
		return []ActivityAttemptStatus{}, nil
	}
	var activities []models.Activity
	if err := db.Where("id IN ?", ids).Find(&activities).Error; err != nil {
		return nil, classifyStorageError("attempt status", err)
	}
	byID := make(map[string]*models.Activity, len(activities))
	for i := range activities {
		byID[activities[i].ID] = &activities[i]
	}

	now := c.clock.Now().UTC()
	out := make([]ActivityAttemptStatus, 0, len(ids))
	for _, id := range ids {
		activity, ok := byID[id]
		if !ok {
			log.Printf("[COMPLETION] attempt status: unknown activity %s", id)
			continue
		}
		status, err := c.statusFor(db, activity, studentID, now)
		if err != nil {
			return nil, classifyStorageError("attempt status", err)
		}
		entry := ActivityAttemptStatus{ActivityID: id}
		if status != nil {
			entry.AttemptStatus = *status
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *CompletionCoordinator) statusFor(db *gorm.DB, activity *models.Activity, studentID string, now time.Time) (*AttemptStatus, error) {
	if !activity.HasAttemptLimit() {
		return nil, nil
	}
	past, err := recentAttemptTimes(db, studentID, activity.ID, *activity.AttemptLimit)
	if err != nil {
		return nil, err
	}
	status := EvaluateAttempts(activity.AttemptLimit, past, now, c.window)
	return &status, nil
}

func loadActivity(tx *gorm.DB, activityID string) (*models.Activity, error) {
	var activity models.Activity
	if err := tx.Where("id = ?", activityID).First(&activity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("activity %s: %w", activityID, ErrNotFound)
		}
		return nil, err
	}
	if activity.SubjectID == "" {
		return nil, fmt.Errorf("subject of activity %s: %w", activityID, ErrNotFound)
	}
	return &activity, nil
}

// lockStudent loads the student row, holding a row lock where the dialect has one.
func lockStudent(tx *gorm.DB, studentID string) (*models.Student, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var student models.Student
	if err := q.Where("id = ?", studentID).First(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return &student, nil
}

// recentAttemptTimes returns up to limit attempt timestamps, most recent first.
func recentAttemptTimes(db *gorm.DB, studentID, activityID string, limit int) ([]time.Time, error) {
	var rows []models.AttemptRecord
	err := db.Select("created_at").
		Where("student_id = ? AND activity_id = ?", studentID, activityID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(rows))
	for i, r := range rows {
		times[i] = r.CreatedAt
	}
	return times, nil
}

// claimFirstCompletion reports whether this submission is the student's first
// for the activity. The claim row is inserted with ON CONFLICT DO NOTHING so a
// concurrent submission that loses the race sees a repeat.
func claimFirstCompletion(tx *gorm.DB, studentID, activityID, attemptID string, now time.Time) (bool, error) {
	var prior int64
	if err := tx.Model(&models.AttemptRecord{}).
		Where("student_id = ? AND activity_id = ?", studentID, activityID).
		Count(&prior).Error; err != nil {
		return false, err
	}
	if prior > 0 {
		return false, nil
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ActivityCompletion{
		StudentID:  studentID,
		ActivityID: activityID,
		AttemptID:  attemptID,
		CreatedAt:  now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
