// pixl/models/models.go
package models

import (
	"database/sql"
	"time"
)

// --- Core Data Models ---

type User struct {
	ID                     int64
	Username               string
	Credits                int64
	LifetimePaidPlacements int64
	UndoEscalationCount    int64
	AdViolationCount       int64
	LastRewardMonth        sql.NullString // "YYYY-MM" of the most recent monthly reward
	CreatedAt              time.Time
}

type Pixel struct {
	X         int           `json:"x"`
	Y         int           `json:"y"`
	Color     string        `json:"color"`
	CostLevel int64         `json:"cost_level"`
	OwnerID   sql.NullInt64 `json:"owner_id"`
	IsAd      bool          `json:"is_ad"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Placement is one entry of the append-only placement log. Only the Undone
// flag ever changes after insert; PreviousColor/PreviousOwner/PreviousIsAd
// carry the cell state needed to reverse the entry.
type Placement struct {
	ID            int64
	UserID        int64
	X             int
	Y             int
	Color         string
	Cost          int64
	WasFree       bool
	IsAd          bool
	Undone        bool
	PreviousColor sql.NullString
	PreviousOwner sql.NullInt64
	PreviousIsAd  bool
	PlacedAt      time.Time
}

type Report struct {
	ID         int64
	ReporterID int64
	X          int
	Y          int
	Reason     string
	IPHash     string
	ReportedAt time.Time
}

type Archive struct {
	ID                 int64     `json:"id"`
	WeekStart          time.Time `json:"week_start"`
	WeekEnd            time.Time `json:"week_end"`
	TotalPlacements    int64     `json:"total_placements"`
	UniqueContributors int64     `json:"unique_contributors"`
	Votes              int64     `json:"votes"`
	ArchivedAt         time.Time `json:"archived_at"`
}

// SnapshotPixel is the shape embedded in an archive's snapshot JSON.
type SnapshotPixel struct {
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Color   string `json:"color"`
	OwnerID *int64 `json:"owner_id"`
	IsAd    bool   `json:"is_ad"`
}

type Vote struct {
	ID        int64
	UserID    int64
	ArchiveID int64
	Month     int
	Year      int
	VotedAt   time.Time
}

// CycleState mirrors the global_state rows: the process-wide economy state
// read by every placement and reset wholesale at each week boundary.
type CycleState struct {
	WeekStart     time.Time
	LastPlacement time.Time
	CurrentCap    int64
	BoardFrozen   bool
}

// --- Operation Results ---

type PlacementResult struct {
	PlacementID int64  `json:"placement_id"`
	Cost        int64  `json:"cost"`
	WasFree     bool   `json:"was_free"`
	FreeReason  string `json:"free_reason,omitempty"`
	NewBalance  int64  `json:"new_balance"`
}

type UndoResult struct {
	UndoCost   int64 `json:"undo_cost"`
	Refund     int64 `json:"refund"`
	NewBalance int64 `json:"new_balance"`
}

type ReportResult struct {
	ReportCount int64 `json:"report_count"`
	BoardFrozen bool  `json:"board_frozen"`
}

// WinnerResult carries the monthly winner resolution. Winner is nil when no
// vote, no qualifying archive, or an active cooldown short-circuits the award.
type WinnerResult struct {
	Year      int          `json:"year"`
	Month     int          `json:"month"`
	ArchiveID int64        `json:"archive_id,omitempty"`
	Votes     int64        `json:"votes"`
	Winner    *WinnerEntry `json:"winner"`
	Message   string       `json:"message,omitempty"`
}

type WinnerEntry struct {
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	PaidPlacements int64  `json:"paid_placements"`
	RewardGiven    bool   `json:"reward_given"`
	RewardAmount   int64  `json:"reward_amount"`
	CooldownActive bool   `json:"cooldown_active"`
}

type Stats struct {
	BoardSize       int       `json:"board_size"`
	TotalPixels     int64     `json:"total_pixels_placed"`
	WeekStart       time.Time `json:"week_start"`
	WeekPlacements  int64     `json:"week_placements"`
	LastPlacement   time.Time `json:"last_placement"`
	CurrentCap      int64     `json:"current_cap_credits"`
	BoardFrozen     bool      `json:"board_frozen"`
	ReportsThisWeek int64     `json:"reports_this_week"`
	ReportThreshold int64     `json:"report_threshold"`
}

type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	Username   string `json:"username"`
	Placements int64  `json:"placements"`
	Joined     string `json:"joined"`
}

// StorageService abstracts where weekly archive snapshots get exported.
type StorageService interface {
	SaveFile(filename string, data []byte, contentType string) (string, error)
	DeleteFile(path string) error
}
