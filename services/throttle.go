package services

import "time"

// DefaultCooldownWindow is the gap that breaks a chain of recent attempts.
const DefaultCooldownWindow = 15 * time.Minute

// AttemptStatus is the throttle verdict for one student on one activity.
// AttemptsLimit and AttemptsRemaining are nil when attempts are unlimited.
type AttemptStatus struct {
	AttemptsLimit     *int       `json:"attempts_limit"`
	AttemptsUsed      int        `json:"attempts_used"`
	AttemptsRemaining *int       `json:"attempts_remaining"`
	CooldownExpiresAt *time.Time `json:"cooldown_expires_at"`
	Locked            bool       `json:"locked"`
}

// EvaluateAttempts decides whether another attempt is allowed at now.
//
// pastDesc holds the student's attempt timestamps, most recent first; callers
// pass at most limit of them. The walk counts attempts while each one is less
// than window older than its successor (now for the first one). An attempt
// exactly window old is expired. Reaching limit locks the student until the
// oldest counted attempt + window.
func EvaluateAttempts(limit *int, pastDesc []time.Time, now time.Time, window time.Duration) AttemptStatus {
	if limit == nil || *limit <= 0 {
		return AttemptStatus{}
	}
	if window <= 0 {
		window = DefaultCooldownWindow
	}

	max := *limit
	status := AttemptStatus{AttemptsLimit: &max}

	cursor := now
	for _, t := range pastDesc {
		if cursor.Sub(t) >= window {
			break
		}
		status.AttemptsUsed++
		cursor = t
		if status.AttemptsUsed >= max {
			expires := t.Add(window)
			status.Locked = true
			status.CooldownExpiresAt = &expires
			break
		}
	}

	remaining := max - status.AttemptsUsed
	if remaining < 0 {
		remaining = 0
	}
	status.AttemptsRemaining = &remaining
	return status
}
