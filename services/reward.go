package services

import "math"

// DefaultRewardCeiling caps requested rewards on activities without a base XP.
const DefaultRewardCeiling int64 = 1000

// RewardInput is what a submission claims and what the activity allows.
type RewardInput struct {
	BaseXPReward   int64
	SafetyCeiling  int64
	CorrectCount   int
	TotalCount     int
	RequestedXP    *int64
	RequestedCoins *int64
	Repeat         bool
}

// Reward is the computed payout for one submission.
type Reward struct {
	Score float64
	XP    int64
	Coins int64
}

// ComputeReward scales the base reward by accuracy and caps both currencies.
// Repeat submissions keep their score but pay nothing.
func ComputeReward(in RewardInput) Reward {
	ratio := 1.0
	if in.TotalCount > 0 {
		ratio = clampFloat(float64(in.CorrectCount)/float64(in.TotalCount), 0, 1)
	}

	limit := in.BaseXPReward
	if limit <= 0 {
		limit = in.SafetyCeiling
		if limit <= 0 {
			limit = DefaultRewardCeiling
		}
	}

	xp := int64(math.Round(ratio * float64(in.BaseXPReward)))
	if in.RequestedXP != nil {
		xp = *in.RequestedXP
	}
	xp = clampInt64(xp, 0, limit)

	coins := xp
	if in.RequestedCoins != nil {
		coins = *in.RequestedCoins
	}
	coins = clampInt64(coins, 0, limit)

	if in.Repeat {
		return Reward{Score: ratio}
	}
	return Reward{Score: ratio, XP: xp, Coins: coins}
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
