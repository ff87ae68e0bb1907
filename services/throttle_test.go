package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAttempts(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ago := func(mins ...int) []time.Time {
		out := make([]time.Time, len(mins))
		for i, m := range mins {
			out[i] = now.Add(-time.Duration(m) * time.Minute)
		}
		return out
	}
	window := 15 * time.Minute

	t.Run("gap breaks the chain", func(t *testing.T) {
		s := EvaluateAttempts(intPtr(3), ago(1, 5, 20), now, window)
		assert.False(t, s.Locked)
		assert.Equal(t, 2, s.AttemptsUsed)
		require.NotNil(t, s.AttemptsRemaining)
		assert.Equal(t, 1, *s.AttemptsRemaining)
		assert.Nil(t, s.CooldownExpiresAt)
	})

	t.Run("limit reached locks", func(t *testing.T) {
		s := EvaluateAttempts(intPtr(3), ago(1, 5, 10), now, window)
		assert.True(t, s.Locked)
		assert.Equal(t, 3, s.AttemptsUsed)
		assert.Equal(t, 0, *s.AttemptsRemaining)
		require.NotNil(t, s.CooldownExpiresAt)
		assert.True(t, s.CooldownExpiresAt.Equal(now.Add(5*time.Minute)))
	})

	t.Run("attempt exactly one window old is expired", func(t *testing.T) {
		s := EvaluateAttempts(intPtr(2), ago(15), now, window)
		assert.False(t, s.Locked)
		assert.Equal(t, 0, s.AttemptsUsed)
		assert.Equal(t, 2, *s.AttemptsRemaining)
	})

	t.Run("chain measured between successive attempts", func(t *testing.T) {
		// 40 minutes ago overall, but every gap is under the window
		s := EvaluateAttempts(intPtr(4), ago(10, 24, 38), now, window)
		assert.Equal(t, 3, s.AttemptsUsed)
		assert.False(t, s.Locked)
	})

	t.Run("no history", func(t *testing.T) {
		s := EvaluateAttempts(intPtr(3), nil, now, window)
		assert.False(t, s.Locked)
		assert.Equal(t, 3, *s.AttemptsRemaining)
		assert.Equal(t, 3, *s.AttemptsLimit)
	})

	t.Run("unlimited", func(t *testing.T) {
		for _, limit := range []*int{nil, intPtr(0), intPtr(-1)} {
			s := EvaluateAttempts(limit, ago(0, 1, 2), now, window)
			assert.False(t, s.Locked)
			assert.Nil(t, s.AttemptsLimit)
			assert.Nil(t, s.AttemptsRemaining)
		}
	})

	t.Run("zero window falls back to default", func(t *testing.T) {
		s := EvaluateAttempts(intPtr(1), ago(14), now, 0)
		assert.True(t, s.Locked)
	})
}
