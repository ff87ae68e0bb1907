package services

import "math"

// Level curve: level 1 needs BaseXPPerLevel, every next level needs
// XPStepPerLevel more than the previous one.
const (
	BaseXPPerLevel = 1000
	XPStepPerLevel = 500
)

// XPRequiredForLevel returns the XP needed to leave the given level
// e.g., XPRequiredForLevel(1) = 1000, XPRequiredForLevel(2) = 1500
func XPRequiredForLevel(level int) int64 {
	if level < 1 {
		level = 1
	}
	return int64(BaseXPPerLevel) + int64(XPStepPerLevel)*int64(level-1)
}

// CumulativeXP returns the total XP ever earned by a student at
// (level, xpInLevel). Reporting only, never used for gameplay decisions.
func CumulativeXP(level int, xpInLevel int64) int64 {
	if level < 1 {
		level = 1
	}
	if xpInLevel < 0 {
		xpInLevel = 0
	}
	n := int64(level - 1)
	// sum of an arithmetic series over levels 1..level-1
	return n*int64(BaseXPPerLevel) + int64(XPStepPerLevel)*n*(n-1)/2 + xpInLevel
}

// ApplyGain adds delta XP and rolls over as many levels as it pays for.
// With delta == 0 it renormalizes a state whose xpInLevel drifted past the
// threshold. Negative inputs are clamped, never rejected.
func ApplyGain(level int, xpInLevel, delta int64) (int, int64) {
	if level < 1 {
		level = 1
	}
	if xpInLevel < 0 {
		xpInLevel = 0
	}
	if delta < 0 {
		delta = 0
	}

	total := xpInLevel + delta
	for total >= XPRequiredForLevel(level) {
		total -= XPRequiredForLevel(level)
		level++
	}
	return level, total
}

// FromCumulativeXP derives (level, xpInLevel) from a lifetime XP total.
func FromCumulativeXP(total int64) (int, int64) {
	return ApplyGain(1, 0, total)
}

// NormalizeLevel clamps a level read from outside (storage, admin input) to a
// whole number >= 1.
func NormalizeLevel(level float64) int {
	if math.IsNaN(level) || level < 1 {
		return 1
	}
	return int(math.Round(level))
}

// NeedsRenormalize reports a stored state that violates xpInLevel < threshold.
func NeedsRenormalize(level int, xpInLevel int64) bool {
	return xpInLevel >= XPRequiredForLevel(level) || level < 1 || xpInLevel < 0
}
