// pixl/database/placement.go
package database

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"pixl/config"
	"pixl/economy"
	"pixl/models"
	"pixl/utils"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

func validateCoords(x, y int) error {
	if x < 0 || x >= config.BoardSize || y < 0 || y >= config.BoardSize {
		return models.NewError(models.KindInvalidArgument, "coordinates (%d,%d) outside the %dx%d board", x, y, config.BoardSize, config.BoardSize)
	}
	return nil
}

// PlacePixel is the transactional entry point for a placement attempt. The
// frozen check, eligibility, pricing, ledger mutation, and log append all run
// inside a single immediate transaction; the caller handles rate limiting and
// fires the dynamic-cap follow-up after a successful commit.
func (ds *DatabaseService) PlacePixel(userID int64, x, y int, color string, isAd bool) (*models.PlacementResult, error) {
	if err := validateCoords(x, y); err != nil {
		return nil, err
	}
	if !colorPattern.MatchString(color) {
		return nil, models.NewError(models.KindInvalidArgument, "color %q is not a #RRGGBB value", color)
	}

	var result *models.PlacementResult
	err := ds.withTx(func(tx *sql.Tx) error {
		frozen, err := getStateBool(tx, stateBoardFrozen)
		if err != nil {
			return err
		}
		if frozen {
			return models.NewError(models.KindPreconditionFailed, "board is frozen due to reports")
		}

		var credits, lifetimePaid int64
		err = tx.QueryRow("SELECT credits, lifetime_paid_placements FROM users WHERE id = ?", userID).Scan(&credits, &lifetimePaid)
		if err != nil {
			if err == sql.ErrNoRows {
				return models.NewError(models.KindNotFound, "user %d not found", userID)
			}
			return fmt.Errorf("db error getting user %d: %w", userID, err)
		}

		now := utils.GetSQLTime()

		lastPlacement, err := getStateTime(tx, stateLastPlacement)
		if err != nil {
			return err
		}
		weekStart, err := getStateTime(tx, stateWeekStart)
		if err != nil {
			return err
		}
		cycleEnd := weekStart.Add(config.CycleDays * 24 * time.Hour)
		isFree, freeReason := economy.FreePlacement(now.Sub(lastPlacement), cycleEnd.Sub(now), lifetimePaid)

		// Pre-placement cell state, also captured for undo.
		var prevColor sql.NullString
		var prevOwner sql.NullInt64
		var prevIsAd bool
		var prevLevel int64
		err = tx.QueryRow("SELECT color, owner_id, is_ad, cost_level FROM pixels WHERE x = ? AND y = ?", x, y).
			Scan(&prevColor, &prevOwner, &prevIsAd, &prevLevel)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("db error reading pixel (%d,%d): %w", x, y, err)
		}

		var cost int64
		if !isFree {
			cap, err := getStateInt(tx, stateCurrentCap)
			if err != nil {
				return err
			}
			cost = economy.PlacementCost(prevLevel, prevIsAd, cap)
			if credits < cost {
				return models.NewError(models.KindInsufficientBalance, "need %d credits, have %d", cost, credits)
			}
		}

		// Overwriting an ad while claiming the new placement is not one is a
		// soft moderation signal; it never blocks the placement.
		if prevIsAd && !isAd {
			if _, err := tx.Exec("UPDATE users SET ad_violation_count = ad_violation_count + 1 WHERE id = ?", userID); err != nil {
				return fmt.Errorf("failed to record ad violation: %w", err)
			}
		}

		newBalance := credits
		if !isFree {
			if _, err := tx.Exec(`
				UPDATE users
				SET credits = credits - ?, lifetime_paid_placements = lifetime_paid_placements + 1
				WHERE id = ?`, cost, userID); err != nil {
				return fmt.Errorf("failed to debit user %d: %w", userID, err)
			}
			newBalance = credits - cost
		}

		// The cost level climbs on every overwrite, free or paid.
		newLevel := prevLevel + config.CostIncrement
		if _, err := tx.Exec(`
			INSERT INTO pixels (x, y, color, cost_level, owner_id, is_ad, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(x, y) DO UPDATE SET
				color = excluded.color,
				cost_level = excluded.cost_level,
				owner_id = excluded.owner_id,
				is_ad = excluded.is_ad,
				updated_at = excluded.updated_at`,
			x, y, color, newLevel, userID, isAd, now); err != nil {
			return fmt.Errorf("failed to upsert pixel (%d,%d): %w", x, y, err)
		}

		res, err := tx.Exec(`
			INSERT INTO placements (user_id, x, y, color, cost, was_free, is_ad,
			                        previous_color, previous_owner_id, previous_is_ad, placed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, x, y, color, cost, isFree, isAd, prevColor, prevOwner, prevIsAd, now)
		if err != nil {
			return fmt.Errorf("failed to append placement log: %w", err)
		}
		placementID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := setStateTime(tx, stateLastPlacement, now); err != nil {
			return err
		}

		result = &models.PlacementResult{
			PlacementID: placementID,
			Cost:        cost,
			WasFree:     isFree,
			FreeReason:  freeReason,
			NewBalance:  newBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UndoPlacement reverses a placement: the original cost is refunded, the undo
// fee is debited, the cell goes back to its captured previous state, and the
// log entry is marked undone so a second attempt conflicts.
func (ds *DatabaseService) UndoPlacement(placementID, userID int64) (*models.UndoResult, error) {
	var result *models.UndoResult
	err := ds.withTx(func(tx *sql.Tx) error {
		frozen, err := getStateBool(tx, stateBoardFrozen)
		if err != nil {
			return err
		}
		if frozen {
			return models.NewError(models.KindPreconditionFailed, "board is frozen")
		}

		var p models.Placement
		err = tx.QueryRow(`
			SELECT id, user_id, x, y, cost, was_free, undone,
			       previous_color, previous_owner_id, previous_is_ad, placed_at
			FROM placements WHERE id = ?`, placementID).Scan(
			&p.ID, &p.UserID, &p.X, &p.Y, &p.Cost, &p.WasFree, &p.Undone,
			&p.PreviousColor, &p.PreviousOwner, &p.PreviousIsAd, &p.PlacedAt,
		)
		if err != nil {
			if err == sql.ErrNoRows {
				return models.NewError(models.KindNotFound, "placement %d not found", placementID)
			}
			return fmt.Errorf("db error getting placement %d: %w", placementID, err)
		}

		if p.UserID != userID {
			return models.NewError(models.KindPreconditionFailed, "placement %d does not belong to user %d", placementID, userID)
		}
		if p.Undone {
			return models.NewError(models.KindConflict, "placement %d already undone", placementID)
		}
		now := utils.GetSQLTime()
		if now.Sub(p.PlacedAt) > config.UndoWindowSeconds*time.Second {
			return models.NewError(models.KindPreconditionFailed, "undo window expired for placement %d", placementID)
		}

		var credits, undoCount int64
		err = tx.QueryRow("SELECT credits, undo_escalation_count FROM users WHERE id = ?", userID).Scan(&credits, &undoCount)
		if err != nil {
			if err == sql.ErrNoRows {
				return models.NewError(models.KindNotFound, "user %d not found", userID)
			}
			return fmt.Errorf("db error getting user %d: %w", userID, err)
		}

		fee := economy.UndoCost(p.Cost, undoCount)
		newBalance := credits + p.Cost - fee
		if newBalance < 0 {
			return models.NewError(models.KindInsufficientBalance, "undo fee is %d, refund only covers %d", fee, credits+p.Cost)
		}

		paidDecrement := int64(1)
		if p.WasFree {
			paidDecrement = 0
		}
		if _, err := tx.Exec(`
			UPDATE users
			SET credits = credits + ?,
			    undo_escalation_count = undo_escalation_count + 1,
			    lifetime_paid_placements = lifetime_paid_placements - ?
			WHERE id = ?`, p.Cost-fee, paidDecrement, userID); err != nil {
			return fmt.Errorf("failed to settle undo for user %d: %w", userID, err)
		}

		if p.PreviousColor.Valid {
			if _, err := tx.Exec(`
				UPDATE pixels
				SET color = ?, owner_id = ?, is_ad = ?,
				    cost_level = MAX(cost_level - ?, 0), updated_at = ?
				WHERE x = ? AND y = ?`,
				p.PreviousColor.String, p.PreviousOwner, p.PreviousIsAd,
				config.CostIncrement, now, p.X, p.Y); err != nil {
				return fmt.Errorf("failed to restore pixel (%d,%d): %w", p.X, p.Y, err)
			}
		} else {
			// The placement was the cell's first write.
			if _, err := tx.Exec("DELETE FROM pixels WHERE x = ? AND y = ?", p.X, p.Y); err != nil {
				return fmt.Errorf("failed to clear pixel (%d,%d): %w", p.X, p.Y, err)
			}
		}

		if _, err := tx.Exec("UPDATE placements SET undone = 1 WHERE id = ?", placementID); err != nil {
			return fmt.Errorf("failed to mark placement %d undone: %w", placementID, err)
		}

		result = &models.UndoResult{
			UndoCost:   fee,
			Refund:     p.Cost - fee,
			NewBalance: newBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdjustDynamicCap lowers the global cap once enough pixels have saturated at
// the current cap level. It is a one-way ratchet within a cycle; only the
// cycle rollover resets it. Callers run it detached after a placement commit;
// losing a run only delays the cap's effect.
func (ds *DatabaseService) AdjustDynamicCap() error {
	return ds.withTx(func(tx *sql.Tx) error {
		cap, err := getStateInt(tx, stateCurrentCap)
		if err != nil {
			return err
		}
		if cap != config.InitialCap {
			return nil
		}

		var count int64
		if err := tx.QueryRow("SELECT COUNT(*) FROM pixels WHERE cost_level >= ?", economy.CapLevel(cap)).Scan(&count); err != nil {
			return fmt.Errorf("failed to count saturated pixels: %w", err)
		}
		if count < config.CapTriggerCount {
			return nil
		}

		ds.logger.Info("Lowering global price cap", "saturated_pixels", count, "new_cap", config.LowerCap)
		return setStateInt(tx, stateCurrentCap, config.LowerCap)
	})
}
