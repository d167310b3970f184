package score

import (
	"github.com/shopspring/decimal"
)

const (
	BasePoints     = 100
	MaxSpeedBonus  = 50
	StreakMinPrior = 2
)

var streakMultiplier = decimal.RequireFromString("1.2")

// Points returns the award for one answer. priorStreak is the player's streak
// before this answer is applied. Negative response times count as instant answers.
func Points(correct bool, responseTimeMs, priorStreak, timeLimitMs int64) int64 {
	if !correct {
		return 0
	}

	total := decimal.NewFromInt(BasePoints).Add(speedBonus(responseTimeMs, timeLimitMs))
	if priorStreak >= StreakMinPrior {
		total = total.Mul(streakMultiplier).Floor()
	}

	return total.IntPart()
}

func speedBonus(responseTimeMs, timeLimitMs int64) decimal.Decimal {
	if timeLimitMs <= 0 {
		return decimal.Zero
	}

	rt := decimal.NewFromInt(max(responseTimeMs, 0))
	limit := decimal.NewFromInt(timeLimitMs)

	// (1 - rt/limit) * 50, divided last so exact boundaries stay exact.
	bonus := limit.Sub(rt).Mul(decimal.NewFromInt(MaxSpeedBonus)).Div(limit).Floor()
	if bonus.IsNegative() {
		return decimal.Zero
	}

	return bonus
}
