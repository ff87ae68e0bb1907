package services

import "time"

// Streak is a count of consecutive calendar days with a rewarded completion.
type Streak struct {
	Count     int        `json:"count"`
	LastCheck *time.Time `json:"last_check"`
}

// NextStreak returns the streak after a rewarded completion at now. Calendar
// days are evaluated in loc (UTC when nil).
func NextStreak(current Streak, now time.Time, loc *time.Location) Streak {
	checked := now
	next := Streak{Count: current.Count, LastCheck: &checked}

	if current.LastCheck == nil {
		next.Count = 1
		return next
	}

	switch days := calendarDaysBetween(*current.LastCheck, now, loc); {
	case days <= 0:
		// same day (or a clock that went backwards): keep the count
		if next.Count < 1 {
			next.Count = 1
		}
	case days == 1:
		next.Count = current.Count + 1
	default:
		next.Count = 1
	}
	return next
}

// calendarDaysBetween counts midnight crossings from a to b in loc.
func calendarDaysBetween(a, b time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	// Dates rebuilt in UTC so DST transitions never shorten a day.
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
