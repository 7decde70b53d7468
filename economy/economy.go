// pixl/economy/economy.go

// Package economy holds the pure pricing and eligibility rules. Nothing here
// touches the database or mutates its inputs.
package economy

import (
	"fmt"
	"strings"
	"time"

	"pixl/config"
)

// Free-placement reasons.
const (
	FreeReasonInactivity = "inactivity"
	FreeReasonEndOfWeek  = "end_of_week"
)

// PlacementCost computes the price of overwriting a cell given its current
// cost level, whether it holds an ad placement, and the global cap.
// The increment is normalized as level*increment/1000 with integer truncation,
// and the ad discount truncates toward zero before the cap clamp.
func PlacementCost(costLevel int64, isAd bool, cap int64) int64 {
	cost := int64(config.BaseCostCredits) + costLevel*config.CostIncrement/1000
	if isAd {
		cost = cost * (100 - config.AdOverwriteDiscountPercent) / 100
	}
	if cost > cap {
		cost = cap
	}
	return cost
}

// FreePlacement decides whether a placement is free. The two time-based
// triggers are checked in order; the first match wins. Both are gated by the
// lifetime-paid ceiling.
func FreePlacement(sinceLastPlacement, untilCycleEnd time.Duration, lifetimePaid int64) (bool, string) {
	if lifetimePaid > config.FreeMaxPaidCeiling {
		return false, ""
	}
	if sinceLastPlacement >= config.InactivitySeconds*time.Second {
		return true, FreeReasonInactivity
	}
	if untilCycleEnd < config.EndOfCycleSeconds*time.Second {
		return true, FreeReasonEndOfWeek
	}
	return false, ""
}

// UndoCost is the fee for reversing a placement: a base fraction of the
// original cost plus an increment per prior undo this cycle, floored.
func UndoCost(originalCost, priorUndosThisCycle int64) int64 {
	return originalCost * (config.UndoBasePercent + priorUndosThisCycle*config.UndoIncrementPercent) / 100
}

// CapLevel is the cost level at which a cell's computed price reaches the cap.
// Used by the dynamic-cap trigger to count saturated cells.
func CapLevel(cap int64) int64 {
	return cap / config.CostIncrement * 1000
}

// RewardMonthKey formats a year/month pair the way users.last_reward_month
// stores it.
func RewardMonthKey(year, month int) string {
	return fmt.Sprintf("%d-%02d", year, month)
}

// RewardEligible reports whether a user whose last reward was lastRewardMonth
// ("YYYY-MM", empty if never rewarded) can receive a reward for year/month.
func RewardEligible(lastRewardMonth string, year, month int) bool {
	if lastRewardMonth == "" {
		return true
	}
	var lastYear, lastMonth int
	if _, err := fmt.Sscanf(strings.TrimSpace(lastRewardMonth), "%d-%d", &lastYear, &lastMonth); err != nil {
		return true
	}
	monthsDiff := (year-lastYear)*12 + (month - lastMonth)
	return monthsDiff >= config.RewardCooldownMonths
}
