// pixl/config/config.go
package config

const (
	AppVersion = "0.3.0"

	// Board Geometry
	BoardSize = 1024

	// Credit Economy (10,000 credits = $1)
	CreditsPerDollar = 10000
	BaseCostCredits  = 1000   // $0.10 base price per pixel
	CostIncrement    = 1000   // cost_level step added per overwrite
	InitialCap       = 200000 // $2.00 price ceiling at cycle start
	LowerCap         = 150000 // $1.50 ceiling after the cap trigger fires
	CapTriggerCount  = 100    // pixels at cap level before lowering

	// Free Placement Windows
	InactivitySeconds  = 1800  // 30 minutes of global silence
	EndOfCycleSeconds  = 21600 // last 6 hours of the week
	FreeMaxPaidCeiling = 500   // lifetime paid placements allowed for free eligibility

	// Undo
	UndoWindowSeconds    = 300 // 5 minutes to undo
	UndoBasePercent      = 25  // fee starts at 25% of the original cost
	UndoIncrementPercent = 10  // +10% per prior undo this cycle

	// Moderation
	AdOverwriteDiscountPercent = 10   // overwriting an ad is 10% cheaper
	ReportFreezeThreshold      = 2500 // reports per cycle before the board freezes

	// Cycle & Rewards
	CycleDays            = 7
	RewardAmount         = 100000 // $10 worth of credits for the monthly winner
	RewardCooldownMonths = 6
	SnapshotExportKeep   = 52 // exported snapshot copies retained in storage

	// Rate Limiting Defaults
	DefaultRateLimitEvery  = "1s"
	DefaultRateLimitBurst  = 1
	DefaultRateLimitPrune  = "1h"
	DefaultRateLimitExpire = "24h"
)
