// pixl/database/database_test.go
package database

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pixl/config"
	"pixl/models"
	"pixl/utils"
)

// freezeClock pins the package clock to start and returns an advance func.
// The real clock is restored on cleanup.
func freezeClock(t *testing.T, start time.Time) func(d time.Duration) {
	current := start
	prev := utils.Now
	utils.Now = func() time.Time { return current }
	t.Cleanup(func() { utils.Now = prev })
	return func(d time.Duration) { current = current.Add(d) }
}

// setupTestDB creates a fresh on-disk SQLite database for testing. Call after
// freezeClock so the seeded cycle state uses the frozen time.
func setupTestDB(t *testing.T) *DatabaseService {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	dir, err := os.MkdirTemp("", "pixl_test_db")
	if err != nil {
		t.Fatalf("Failed to create temp dir for test DB: %v", err)
	}
	dbPath := filepath.Join(dir, "test.db") + "?_journal_mode=WAL&_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"

	ds, err := InitDB(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	t.Cleanup(func() {
		ds.DB.Close()
		os.RemoveAll(dir)
	})

	return ds
}

func mustCreateUser(t *testing.T, ds *DatabaseService, name string, credits int64) *models.User {
	t.Helper()
	user, err := ds.CreateUser(name, credits)
	if err != nil {
		t.Fatalf("Failed to create user %q: %v", name, err)
	}
	return user
}

var testEpoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// TestInitDB checks schema creation, migrations, and cycle-state seeding.
func TestInitDB(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)

	weekStart, err := getStateTime(ds.DB, stateWeekStart)
	if err != nil {
		t.Fatalf("Failed to read seeded week_start: %v", err)
	}
	if !weekStart.Equal(testEpoch) {
		t.Errorf("Expected week_start %v, got %v", testEpoch, weekStart)
	}

	cap, err := getStateInt(ds.DB, stateCurrentCap)
	if err != nil {
		t.Fatalf("Failed to read seeded cap: %v", err)
	}
	if cap != config.InitialCap {
		t.Errorf("Expected seeded cap %d, got %d", config.InitialCap, cap)
	}

	frozen, err := ds.IsBoardFrozen()
	if err != nil {
		t.Fatalf("Failed to read freeze flag: %v", err)
	}
	if frozen {
		t.Error("Fresh board should not be frozen")
	}

	// Migration version 1 creates credit_grants.
	var version int
	if err := ds.DB.QueryRow("SELECT version FROM schema_migrations WHERE version = 1").Scan(&version); err != nil {
		t.Fatalf("Migration version 1 was not recorded: %v", err)
	}
	if _, err := ds.DB.Query("SELECT reference FROM credit_grants LIMIT 1"); err != nil {
		t.Fatalf("credit_grants table missing after migration: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)

	mustCreateUser(t, ds, "alice", 1000)

	if _, err := ds.CreateUser("alice", 0); models.ErrKind(err) != models.KindConflict {
		t.Errorf("Expected conflict on duplicate username, got %v", err)
	}
	if _, err := ds.CreateUser("", 0); models.ErrKind(err) != models.KindInvalidArgument {
		t.Errorf("Expected invalid argument for empty username, got %v", err)
	}
	if _, err := ds.CreateUser("bob", -1); models.ErrKind(err) != models.KindInvalidArgument {
		t.Errorf("Expected invalid argument for negative credits, got %v", err)
	}
	if _, err := ds.GetUser(9999); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown user, got %v", err)
	}
}

func TestCreditUserIdempotency(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 1000)

	balance, err := ds.CreditUser(user.ID, 5000, "pay-abc-1")
	if err != nil {
		t.Fatalf("Failed to credit user: %v", err)
	}
	if balance != 6000 {
		t.Errorf("Expected balance 6000 after grant, got %d", balance)
	}

	// Replaying the same payment reference must not double-credit.
	if _, err := ds.CreditUser(user.ID, 5000, "pay-abc-1"); models.ErrKind(err) != models.KindConflict {
		t.Errorf("Expected conflict on replayed grant, got %v", err)
	}
	fresh, _ := ds.GetUser(user.ID)
	if fresh.Credits != 6000 {
		t.Errorf("Balance changed on replayed grant: %d", fresh.Credits)
	}

	if _, err := ds.CreditUser(user.ID, 0, "pay-abc-2"); models.ErrKind(err) != models.KindInvalidArgument {
		t.Errorf("Expected invalid argument for zero grant, got %v", err)
	}
	if _, err := ds.CreditUser(9999, 100, "pay-abc-3"); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown user, got %v", err)
	}
}

func TestPlacePixelPricing(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	// Virgin cell costs the base price.
	res, err := ds.PlacePixel(user.ID, 5, 5, "#FF0000", false)
	if err != nil {
		t.Fatalf("First placement failed: %v", err)
	}
	if res.WasFree {
		t.Error("Placement with a fresh last_placement stamp should be paid")
	}
	if res.Cost != 1000 {
		t.Errorf("Expected base cost 1000, got %d", res.Cost)
	}
	if res.NewBalance != 9000 {
		t.Errorf("Expected balance 9000, got %d", res.NewBalance)
	}

	// Overwriting the same cell costs one increment more.
	res, err = ds.PlacePixel(user.ID, 5, 5, "#00FF00", false)
	if err != nil {
		t.Fatalf("Second placement failed: %v", err)
	}
	if res.Cost != 2000 {
		t.Errorf("Expected escalated cost 2000, got %d", res.Cost)
	}
	if res.NewBalance != 7000 {
		t.Errorf("Expected balance 7000, got %d", res.NewBalance)
	}

	fresh, _ := ds.GetUser(user.ID)
	if fresh.LifetimePaidPlacements != 2 {
		t.Errorf("Expected 2 lifetime paid placements, got %d", fresh.LifetimePaidPlacements)
	}
}

func TestPlacePixelAdDiscount(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	if _, err := ds.PlacePixel(user.ID, 3, 3, "#0000FF", true); err != nil {
		t.Fatalf("Ad placement failed: %v", err)
	}

	// Overwriting an ad is discounted: 2000 * 90 / 100.
	res, err := ds.PlacePixel(user.ID, 3, 3, "#FFFFFF", false)
	if err != nil {
		t.Fatalf("Ad overwrite failed: %v", err)
	}
	if res.Cost != 1800 {
		t.Errorf("Expected discounted cost 1800, got %d", res.Cost)
	}

	// Overwriting an ad with a non-ad bumps the soft violation counter.
	fresh, _ := ds.GetUser(user.ID)
	if fresh.AdViolationCount != 1 {
		t.Errorf("Expected 1 ad violation, got %d", fresh.AdViolationCount)
	}
}

func TestPlacePixelValidation(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	cases := []struct {
		name  string
		x, y  int
		color string
	}{
		{"x below range", -1, 0, "#FF0000"},
		{"x above range", config.BoardSize, 0, "#FF0000"},
		{"y above range", 0, config.BoardSize, "#FF0000"},
		{"missing hash", 0, 0, "FF0000"},
		{"short hex", 0, 0, "#FF00"},
		{"non-hex digits", 0, 0, "#GG0000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ds.PlacePixel(user.ID, tc.x, tc.y, tc.color, false)
			if models.ErrKind(err) != models.KindInvalidArgument {
				t.Errorf("Expected invalid argument, got %v", err)
			}
		})
	}

	if _, err := ds.PlacePixel(9999, 0, 0, "#FF0000", false); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown user, got %v", err)
	}
}

func TestPlacePixelInsufficientBalance(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "poor", 500)

	_, err := ds.PlacePixel(user.ID, 0, 0, "#FF0000", false)
	if models.ErrKind(err) != models.KindInsufficientBalance {
		t.Fatalf("Expected insufficient balance, got %v", err)
	}

	// The failed attempt must leave no trace.
	var pixelCount int
	ds.DB.QueryRow("SELECT COUNT(*) FROM pixels").Scan(&pixelCount)
	if pixelCount != 0 {
		t.Error("Rejected placement wrote a pixel")
	}
	fresh, _ := ds.GetUser(user.ID)
	if fresh.Credits != 500 {
		t.Errorf("Rejected placement changed balance: %d", fresh.Credits)
	}
}

func TestFreePlacementInactivityWindow(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	advance(31 * time.Minute)

	res, err := ds.PlacePixel(user.ID, 1, 1, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	if !res.WasFree || res.FreeReason != "inactivity" {
		t.Errorf("Expected free inactivity placement, got free=%v reason=%q", res.WasFree, res.FreeReason)
	}
	if res.Cost != 0 || res.NewBalance != 10000 {
		t.Errorf("Free placement still charged: cost=%d balance=%d", res.Cost, res.NewBalance)
	}

	// Free placements do not count as paid, but the cell still escalates.
	fresh, _ := ds.GetUser(user.ID)
	if fresh.LifetimePaidPlacements != 0 {
		t.Errorf("Free placement counted as paid: %d", fresh.LifetimePaidPlacements)
	}
	res, err = ds.PlacePixel(user.ID, 1, 1, "#00FF00", false)
	if err != nil {
		t.Fatalf("Follow-up placement failed: %v", err)
	}
	if res.WasFree {
		t.Error("Immediate follow-up placement should be paid")
	}
	if res.Cost != 2000 {
		t.Errorf("Expected cost 2000 after a free write escalated the cell, got %d", res.Cost)
	}
}

func TestFreePlacementEndOfWeekWindow(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	// Land inside the final six hours of the cycle. The first placement is
	// free via inactivity; the immediate second one exposes the end-of-week
	// trigger.
	advance(7*24*time.Hour - time.Hour)

	if _, err := ds.PlacePixel(user.ID, 1, 1, "#FF0000", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	res, err := ds.PlacePixel(user.ID, 2, 2, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	if !res.WasFree || res.FreeReason != "end_of_week" {
		t.Errorf("Expected free end-of-week placement, got free=%v reason=%q", res.WasFree, res.FreeReason)
	}
}

func TestFreePlacementPaidCeiling(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "whale", 10000)

	if _, err := ds.DB.Exec("UPDATE users SET lifetime_paid_placements = ? WHERE id = ?",
		config.FreeMaxPaidCeiling+1, user.ID); err != nil {
		t.Fatalf("Failed to set lifetime paid placements: %v", err)
	}

	advance(31 * time.Minute)

	res, err := ds.PlacePixel(user.ID, 1, 1, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	if res.WasFree {
		t.Error("User past the paid ceiling should not qualify for free placements")
	}
}

func TestUndoReversesFirstWrite(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	res, err := ds.PlacePixel(user.ID, 4, 4, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}

	undo, err := ds.UndoPlacement(res.PlacementID, user.ID)
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if undo.UndoCost != 250 {
		t.Errorf("Expected base undo fee 250, got %d", undo.UndoCost)
	}
	// Net effect of place+undo is losing exactly the fee.
	if undo.NewBalance != 10000-250 {
		t.Errorf("Expected balance %d, got %d", 10000-250, undo.NewBalance)
	}

	// The cell had no prior write, so the undo clears it entirely.
	var pixelCount int
	ds.DB.QueryRow("SELECT COUNT(*) FROM pixels WHERE x = 4 AND y = 4").Scan(&pixelCount)
	if pixelCount != 0 {
		t.Error("Undo of a first write should delete the pixel")
	}

	fresh, _ := ds.GetUser(user.ID)
	if fresh.LifetimePaidPlacements != 0 {
		t.Errorf("Undo should reverse the paid counter, got %d", fresh.LifetimePaidPlacements)
	}
	if fresh.UndoEscalationCount != 1 {
		t.Errorf("Expected undo escalation count 1, got %d", fresh.UndoEscalationCount)
	}

	// Undoing twice is a conflict.
	if _, err := ds.UndoPlacement(res.PlacementID, user.ID); models.ErrKind(err) != models.KindConflict {
		t.Errorf("Expected conflict on repeated undo, got %v", err)
	}
}

func TestUndoRestoresPreviousState(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	alice := mustCreateUser(t, ds, "alice", 10000)
	bob := mustCreateUser(t, ds, "bob", 10000)

	if _, err := ds.PlacePixel(alice.ID, 6, 6, "#FF0000", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	res, err := ds.PlacePixel(bob.ID, 6, 6, "#0000FF", false)
	if err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	if res.Cost != 2000 {
		t.Fatalf("Expected overwrite cost 2000, got %d", res.Cost)
	}

	undo, err := ds.UndoPlacement(res.PlacementID, bob.ID)
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if undo.UndoCost != 500 {
		t.Errorf("Expected undo fee 500, got %d", undo.UndoCost)
	}

	var color string
	var ownerID int64
	var level int64
	err = ds.DB.QueryRow("SELECT color, owner_id, cost_level FROM pixels WHERE x = 6 AND y = 6").
		Scan(&color, &ownerID, &level)
	if err != nil {
		t.Fatalf("Failed to read restored pixel: %v", err)
	}
	if color != "#FF0000" || ownerID != alice.ID {
		t.Errorf("Expected restored cell #FF0000/%d, got %s/%d", alice.ID, color, ownerID)
	}
	if level != 1000 {
		t.Errorf("Expected cost level to step back to 1000, got %d", level)
	}
}

func TestUndoFeeEscalatesWithinCycle(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 50000)

	first, err := ds.PlacePixel(user.ID, 1, 1, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	second, err := ds.PlacePixel(user.ID, 2, 2, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}

	undo, err := ds.UndoPlacement(first.PlacementID, user.ID)
	if err != nil {
		t.Fatalf("First undo failed: %v", err)
	}
	if undo.UndoCost != 250 {
		t.Errorf("Expected first undo fee 250, got %d", undo.UndoCost)
	}

	undo, err = ds.UndoPlacement(second.PlacementID, user.ID)
	if err != nil {
		t.Fatalf("Second undo failed: %v", err)
	}
	if undo.UndoCost != 350 {
		t.Errorf("Expected escalated undo fee 350, got %d", undo.UndoCost)
	}
}

func TestUndoWindowAndOwnership(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	alice := mustCreateUser(t, ds, "alice", 10000)
	bob := mustCreateUser(t, ds, "bob", 10000)

	res, err := ds.PlacePixel(alice.ID, 1, 1, "#FF0000", false)
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}

	if _, err := ds.UndoPlacement(res.PlacementID, bob.ID); models.ErrKind(err) != models.KindPreconditionFailed {
		t.Errorf("Expected precondition failure undoing someone else's placement, got %v", err)
	}
	if _, err := ds.UndoPlacement(9999, alice.ID); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown placement, got %v", err)
	}

	advance(6 * time.Minute)
	if _, err := ds.UndoPlacement(res.PlacementID, alice.ID); models.ErrKind(err) != models.KindPreconditionFailed {
		t.Errorf("Expected precondition failure after undo window expired, got %v", err)
	}
}

func TestReportFreezeThreshold(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	// Seed just under the threshold directly, then file the tipping report
	// through the real path.
	tx, err := ds.DB.Begin()
	if err != nil {
		t.Fatalf("Failed to begin seed transaction: %v", err)
	}
	stmt, err := tx.Prepare("INSERT INTO reports (reporter_user_id, pixel_x, pixel_y, reason, ip_hash, reported_at) VALUES (?, 0, 0, 'spam', 'h', ?)")
	if err != nil {
		t.Fatalf("Failed to prepare seed statement: %v", err)
	}
	for i := int64(0); i < config.ReportFreezeThreshold-1; i++ {
		if _, err := stmt.Exec(user.ID, utils.GetSQLTime()); err != nil {
			t.Fatalf("Failed to seed report: %v", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit seed reports: %v", err)
	}

	result, err := ds.ReportPixel(user.ID, 0, 0, "spam wall", "hash")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if result.ReportCount != config.ReportFreezeThreshold {
		t.Errorf("Expected report count %d, got %d", config.ReportFreezeThreshold, result.ReportCount)
	}
	if !result.BoardFrozen {
		t.Error("Expected the board to freeze at the threshold")
	}

	// A frozen board rejects placements and undos but still takes reports.
	if _, err := ds.PlacePixel(user.ID, 0, 0, "#FF0000", false); models.ErrKind(err) != models.KindPreconditionFailed {
		t.Errorf("Expected precondition failure placing on frozen board, got %v", err)
	}
	if _, err := ds.ReportPixel(user.ID, 1, 1, "still bad", "hash"); err != nil {
		t.Errorf("Reports should still be accepted while frozen: %v", err)
	}
}

func TestReportValidation(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 0)

	if _, err := ds.ReportPixel(user.ID, -1, 0, "bad", "h"); models.ErrKind(err) != models.KindInvalidArgument {
		t.Errorf("Expected invalid argument for bad coords, got %v", err)
	}
	if _, err := ds.ReportPixel(user.ID, 0, 0, "   ", "h"); models.ErrKind(err) != models.KindInvalidArgument {
		t.Errorf("Expected invalid argument for blank reason, got %v", err)
	}
	if _, err := ds.ReportPixel(9999, 0, 0, "bad", "h"); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown reporter, got %v", err)
	}
}

func TestCycleRollover(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	for i := 0; i < 3; i++ {
		if _, err := ds.PlacePixel(user.ID, i, 0, "#FF0000", false); err != nil {
			t.Fatalf("Placement %d failed: %v", i, err)
		}
	}
	if _, err := ds.DB.Exec("UPDATE users SET undo_escalation_count = 4 WHERE id = ?", user.ID); err != nil {
		t.Fatalf("Failed to set undo escalation: %v", err)
	}
	if err := setStateBool(ds.DB, stateBoardFrozen, true); err != nil {
		t.Fatalf("Failed to freeze board: %v", err)
	}
	if err := setStateInt(ds.DB, stateCurrentCap, config.LowerCap); err != nil {
		t.Fatalf("Failed to lower cap: %v", err)
	}

	// Inside the week nothing happens.
	rolled, err := ds.CheckCycleRollover()
	if err != nil {
		t.Fatalf("Rollover check failed: %v", err)
	}
	if rolled {
		t.Fatal("Rollover fired before the week elapsed")
	}

	advance(8 * 24 * time.Hour)

	rolled, err = ds.CheckCycleRollover()
	if err != nil {
		t.Fatalf("Rollover failed: %v", err)
	}
	if !rolled {
		t.Fatal("Expected the rollover to fire after 8 days")
	}

	var totalPlacements, uniqueContributors int64
	err = ds.DB.QueryRow("SELECT total_placements, unique_contributors FROM archives WHERE id = 1").
		Scan(&totalPlacements, &uniqueContributors)
	if err != nil {
		t.Fatalf("Archive row missing: %v", err)
	}
	if totalPlacements != 3 || uniqueContributors != 1 {
		t.Errorf("Expected archive stats 3/1, got %d/%d", totalPlacements, uniqueContributors)
	}

	var maxLevel int64
	ds.DB.QueryRow("SELECT COALESCE(MAX(cost_level), 0) FROM pixels").Scan(&maxLevel)
	if maxLevel != 0 {
		t.Errorf("Expected all cost levels reset, max is %d", maxLevel)
	}
	fresh, _ := ds.GetUser(user.ID)
	if fresh.UndoEscalationCount != 0 {
		t.Errorf("Expected undo escalation reset, got %d", fresh.UndoEscalationCount)
	}
	frozen, _ := ds.IsBoardFrozen()
	if frozen {
		t.Error("Expected the freeze to clear on rollover")
	}
	cap, _ := getStateInt(ds.DB, stateCurrentCap)
	if cap != config.InitialCap {
		t.Errorf("Expected cap reset to %d, got %d", config.InitialCap, cap)
	}

	// A second check in the new week is a no-op.
	rolled, err = ds.CheckCycleRollover()
	if err != nil {
		t.Fatalf("Second rollover check failed: %v", err)
	}
	if rolled {
		t.Error("Rollover fired twice for one boundary")
	}
	var archiveCount int
	ds.DB.QueryRow("SELECT COUNT(*) FROM archives").Scan(&archiveCount)
	if archiveCount != 1 {
		t.Errorf("Expected exactly one archive, got %d", archiveCount)
	}
}

func TestConcurrentPlacementsOnOneCellSerialize(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	alice := mustCreateUser(t, ds, "alice", 10000)
	bob := mustCreateUser(t, ds, "bob", 10000)

	users := []int64{alice.ID, bob.ID}
	results := make([]*models.PlacementResult, len(users))
	errs := make([]error, len(users))

	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ds.PlacePixel(users[i], 9, 9, "#FF0000", false)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Placement %d failed: %v", i, err)
		}
	}

	// The transactions serialized: one writer saw a virgin cell, the other
	// saw the escalated one. Either order is fine.
	costs := map[int64]int{}
	costs[results[0].Cost]++
	costs[results[1].Cost]++
	if costs[1000] != 1 || costs[2000] != 1 {
		t.Errorf("Expected one base-cost and one escalated placement, got %d and %d", results[0].Cost, results[1].Cost)
	}

	var level int64
	if err := ds.DB.QueryRow("SELECT cost_level FROM pixels WHERE x = 9 AND y = 9").Scan(&level); err != nil {
		t.Fatalf("Failed to read cell: %v", err)
	}
	if level != 2000 {
		t.Errorf("Expected final cost level 2000, got %d", level)
	}

	// Exactly one log entry captured the other's write as its previous state.
	var withPrev int
	ds.DB.QueryRow("SELECT COUNT(*) FROM placements WHERE previous_color IS NOT NULL").Scan(&withPrev)
	if withPrev != 1 {
		t.Errorf("Expected exactly one placement with captured previous state, got %d", withPrev)
	}
}

func TestConcurrentRolloverFiresOnce(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	if _, err := ds.PlacePixel(user.ID, 0, 0, "#FF0000", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}

	advance(8 * 24 * time.Hour)

	var rolledCount int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rolled, err := ds.CheckCycleRollover()
			if err != nil {
				t.Errorf("Rollover check failed: %v", err)
				return
			}
			if rolled {
				atomic.AddInt32(&rolledCount, 1)
			}
		}()
	}
	wg.Wait()

	if rolledCount != 1 {
		t.Errorf("Expected exactly one racing caller to perform the rollover, got %d", rolledCount)
	}
	var archiveCount int
	ds.DB.QueryRow("SELECT COUNT(*) FROM archives").Scan(&archiveCount)
	if archiveCount != 1 {
		t.Errorf("Expected exactly one archive, got %d", archiveCount)
	}
}

func TestVotingAndMonthlyWinner(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	alice := mustCreateUser(t, ds, "alice", 10000)
	bob := mustCreateUser(t, ds, "bob", 10000)

	for i := 0; i < 3; i++ {
		if _, err := ds.PlacePixel(alice.ID, i, 0, "#FF0000", false); err != nil {
			t.Fatalf("Placement failed: %v", err)
		}
	}
	if _, err := ds.PlacePixel(bob.ID, 0, 1, "#0000FF", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}

	advance(8 * 24 * time.Hour)
	if _, err := ds.CheckCycleRollover(); err != nil {
		t.Fatalf("Rollover failed: %v", err)
	}

	if err := ds.CastVote(alice.ID, 1); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}
	if err := ds.CastVote(bob.ID, 1); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}
	// One vote per user per month.
	if err := ds.CastVote(alice.ID, 1); models.ErrKind(err) != models.KindConflict {
		t.Errorf("Expected conflict on second vote in the same month, got %v", err)
	}
	if err := ds.CastVote(alice.ID, 999); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown archive, got %v", err)
	}

	// The archive's week ended March 10, 2026.
	result, err := ds.ResolveMonthlyWinner(2026, 3)
	if err != nil {
		t.Fatalf("Winner resolution failed: %v", err)
	}
	if result.ArchiveID != 1 || result.Votes != 2 {
		t.Errorf("Expected archive 1 with 2 votes, got %d/%d", result.ArchiveID, result.Votes)
	}
	if result.Winner == nil {
		t.Fatal("Expected a winner")
	}
	if result.Winner.UserID != alice.ID || result.Winner.PaidPlacements != 3 {
		t.Errorf("Expected alice with 3 paid placements, got user %d with %d", result.Winner.UserID, result.Winner.PaidPlacements)
	}
	if !result.Winner.RewardGiven || result.Winner.RewardAmount != config.RewardAmount {
		t.Errorf("Expected reward of %d, got given=%v amount=%d", config.RewardAmount, result.Winner.RewardGiven, result.Winner.RewardAmount)
	}

	fresh, _ := ds.GetUser(alice.ID)
	if fresh.Credits != 10000-3000+config.RewardAmount {
		t.Errorf("Unexpected winner balance %d", fresh.Credits)
	}
	if fresh.LastRewardMonth.String != "2026-03" {
		t.Errorf("Expected last_reward_month 2026-03, got %q", fresh.LastRewardMonth.String)
	}

	// Resolving again hits the cooldown and must not pay twice.
	result, err = ds.ResolveMonthlyWinner(2026, 3)
	if err != nil {
		t.Fatalf("Second resolution failed: %v", err)
	}
	if result.Winner == nil || !result.Winner.CooldownActive || result.Winner.RewardGiven {
		t.Errorf("Expected cooldown block on second resolution, got %+v", result.Winner)
	}
	again, _ := ds.GetUser(alice.ID)
	if again.Credits != fresh.Credits {
		t.Error("Second resolution changed the winner's balance")
	}
}

func TestResolveMonthlyWinnerNoVotes(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)

	result, err := ds.ResolveMonthlyWinner(2026, 3)
	if err != nil {
		t.Fatalf("Resolution failed: %v", err)
	}
	if result.Winner != nil || result.Message == "" {
		t.Errorf("Expected no winner and an explanatory message, got %+v", result)
	}
	if _, err := ds.ResolveMonthlyWinner(2026, 13); models.ErrKind(err) != models.KindInvalidArgument {
		t.Errorf("Expected invalid argument for month 13, got %v", err)
	}
}

func TestAdjustDynamicCap(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)

	seedSaturated := func(n int) {
		tx, err := ds.DB.Begin()
		if err != nil {
			t.Fatalf("Failed to begin seed transaction: %v", err)
		}
		for i := 0; i < n; i++ {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO pixels (x, y, color, cost_level, is_ad, updated_at) VALUES (?, 0, '#000000', ?, 0, ?)",
				i, 200000, utils.GetSQLTime()); err != nil {
				t.Fatalf("Failed to seed pixel: %v", err)
			}
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Failed to commit seed pixels: %v", err)
		}
	}

	// Below the trigger count nothing changes.
	seedSaturated(config.CapTriggerCount - 1)
	if err := ds.AdjustDynamicCap(); err != nil {
		t.Fatalf("Cap adjustment failed: %v", err)
	}
	cap, _ := getStateInt(ds.DB, stateCurrentCap)
	if cap != config.InitialCap {
		t.Errorf("Cap lowered below trigger count: %d", cap)
	}

	seedSaturated(config.CapTriggerCount)
	if err := ds.AdjustDynamicCap(); err != nil {
		t.Fatalf("Cap adjustment failed: %v", err)
	}
	cap, _ = getStateInt(ds.DB, stateCurrentCap)
	if cap != config.LowerCap {
		t.Errorf("Expected cap lowered to %d, got %d", config.LowerCap, cap)
	}

	// The ratchet only moves once per cycle.
	if err := ds.AdjustDynamicCap(); err != nil {
		t.Fatalf("Cap adjustment failed: %v", err)
	}
	cap, _ = getStateInt(ds.DB, stateCurrentCap)
	if cap != config.LowerCap {
		t.Errorf("Cap moved again after the one-way drop: %d", cap)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	alice := mustCreateUser(t, ds, "alice", 0)
	bob := mustCreateUser(t, ds, "bob", 0)
	mustCreateUser(t, ds, "lurker", 0)

	ds.DB.Exec("UPDATE users SET lifetime_paid_placements = 5 WHERE id = ?", alice.ID)
	ds.DB.Exec("UPDATE users SET lifetime_paid_placements = 9 WHERE id = ?", bob.ID)

	entries, err := ds.Leaderboard(0)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 leaderboard entries, got %d", len(entries))
	}
	if entries[0].Username != "bob" || entries[0].Rank != 1 || entries[0].Placements != 9 {
		t.Errorf("Unexpected first entry: %+v", entries[0])
	}
	if entries[1].Username != "alice" || entries[1].Rank != 2 {
		t.Errorf("Unexpected second entry: %+v", entries[1])
	}
}

func TestGetBoardSnapshotAndStats(t *testing.T) {
	freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	if _, err := ds.PlacePixel(user.ID, 2, 3, "#FF0000", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	if _, err := ds.PlacePixel(user.ID, 1, 1, "#00FF00", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	// Overwrite: a third log entry, still two distinct cells.
	if _, err := ds.PlacePixel(user.ID, 1, 1, "#0000FF", false); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	pixels, err := ds.GetBoardSnapshot()
	if err != nil {
		t.Fatalf("Board read failed: %v", err)
	}
	if len(pixels) != 2 {
		t.Fatalf("Expected 2 pixels, got %d", len(pixels))
	}
	if pixels[0].X != 1 || pixels[0].Y != 1 {
		t.Errorf("Expected coordinate ordering, first pixel at (%d,%d)", pixels[0].X, pixels[0].Y)
	}
	if !pixels[0].OwnerID.Valid || pixels[0].OwnerID.Int64 != user.ID {
		t.Errorf("Expected owner %d, got %+v", user.ID, pixels[0].OwnerID)
	}

	stats, err := ds.GetStats()
	if err != nil {
		t.Fatalf("Stats read failed: %v", err)
	}
	// total_pixels_placed counts distinct written cells, not log entries.
	if stats.TotalPixels != 2 {
		t.Errorf("Expected 2 written cells, got %d", stats.TotalPixels)
	}
	if stats.WeekPlacements != 3 {
		t.Errorf("Expected 3 placements this week, got %d", stats.WeekPlacements)
	}
	if stats.BoardSize != config.BoardSize {
		t.Errorf("Expected board size %d, got %d", config.BoardSize, stats.BoardSize)
	}
	if stats.CurrentCap != config.InitialCap {
		t.Errorf("Expected cap %d, got %d", config.InitialCap, stats.CurrentCap)
	}
}

func TestArchiveListing(t *testing.T) {
	advance := freezeClock(t, testEpoch)
	ds := setupTestDB(t)
	user := mustCreateUser(t, ds, "alice", 10000)

	if _, err := ds.PlacePixel(user.ID, 0, 0, "#FF0000", false); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}

	// Two rollovers produce two archives in the same month.
	advance(7 * 24 * time.Hour)
	if _, err := ds.CheckCycleRollover(); err != nil {
		t.Fatalf("First rollover failed: %v", err)
	}
	advance(7 * 24 * time.Hour)
	if _, err := ds.CheckCycleRollover(); err != nil {
		t.Fatalf("Second rollover failed: %v", err)
	}

	archives, err := ds.ListArchives()
	if err != nil {
		t.Fatalf("Archive list failed: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("Expected 2 archives, got %d", len(archives))
	}
	if !archives[0].WeekEnd.After(archives[1].WeekEnd) {
		t.Error("Expected newest-first ordering")
	}

	monthly, err := ds.ListMonthlyArchives(2026, 3)
	if err != nil {
		t.Fatalf("Monthly archive list failed: %v", err)
	}
	if len(monthly) != 2 {
		t.Fatalf("Expected 2 March archives, got %d", len(monthly))
	}

	archive, snapshot, err := ds.GetArchive(archives[1].ID)
	if err != nil {
		t.Fatalf("Archive fetch failed: %v", err)
	}
	if archive.TotalPlacements != 1 {
		t.Errorf("Expected 1 placement in first archive, got %d", archive.TotalPlacements)
	}
	if len(snapshot) == 0 {
		t.Error("Expected a non-empty snapshot")
	}

	if _, _, err := ds.GetArchive(999); models.ErrKind(err) != models.KindNotFound {
		t.Errorf("Expected not found for unknown archive, got %v", err)
	}
}

// recordingStorage captures export calls without touching disk.
type recordingStorage struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
}

func (rs *recordingStorage) SaveFile(filename string, data []byte, contentType string) (string, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.saved = append(rs.saved, filename)
	return "/snapshots/" + filename, nil
}

func (rs *recordingStorage) DeleteFile(path string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.deleted = append(rs.deleted, path)
	return nil
}

func TestSnapshotExportRotation(t *testing.T) {
	ds := setupTestDB(t)
	rs := &recordingStorage{}
	ds.SetStorage(rs)

	ds.exportSnapshot(1, []byte("[]"))
	if len(rs.saved) != 1 || rs.saved[0] != "archive_1.json" {
		t.Fatalf("Expected archive_1.json to be saved, got %v", rs.saved)
	}
	if len(rs.deleted) != 0 {
		t.Errorf("Expected no pruning below the retention window, got %v", rs.deleted)
	}

	ds.exportSnapshot(config.SnapshotExportKeep+1, []byte("[]"))
	if len(rs.deleted) != 1 || rs.deleted[0] != "archive_1.json" {
		t.Errorf("Expected archive_1.json to be pruned, got %v", rs.deleted)
	}
}
