// pixl/database/cycle.go
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pixl/config"
	"pixl/models"
	"pixl/utils"
)

// CheckCycleRollover runs the lazy week-boundary check. It is triggered from
// board reads and placement attempts rather than a background timer. The
// archive write and every reset happen in one transaction, so two racing
// callers serialize at BEGIN and the loser re-reads a fresh week_start;
// an archive failure aborts the whole reset.
func (ds *DatabaseService) CheckCycleRollover() (bool, error) {
	var rolled bool
	var archiveID int64
	var snapshot []byte

	err := ds.withTx(func(tx *sql.Tx) error {
		weekStart, err := getStateTime(tx, stateWeekStart)
		if err != nil {
			return err
		}
		now := utils.GetSQLTime()
		if now.Sub(weekStart) < config.CycleDays*24*time.Hour {
			return nil
		}

		archiveID, snapshot, err = createArchive(tx, weekStart, now)
		if err != nil {
			return err
		}

		if _, err := tx.Exec("UPDATE pixels SET cost_level = 0"); err != nil {
			return fmt.Errorf("failed to reset pixel cost levels: %w", err)
		}
		if _, err := tx.Exec("UPDATE users SET undo_escalation_count = 0"); err != nil {
			return fmt.Errorf("failed to reset undo escalation: %w", err)
		}
		if err := setStateTime(tx, stateWeekStart, now); err != nil {
			return err
		}
		if err := setStateInt(tx, stateCurrentCap, config.InitialCap); err != nil {
			return err
		}
		if err := setStateBool(tx, stateBoardFrozen, false); err != nil {
			return err
		}

		rolled = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if rolled {
		ds.logger.Info("Cycle rolled over", "archive_id", archiveID)
		if ds.storage != nil {
			// Export is best-effort; the archive row is the source of truth.
			go ds.exportSnapshot(archiveID, snapshot)
		}
	}
	return rolled, nil
}

// createArchive snapshots the board and the week's statistics into a new
// immutable archive row.
func createArchive(tx *sql.Tx, weekStart, weekEnd time.Time) (int64, []byte, error) {
	rows, err := tx.Query("SELECT x, y, color, owner_id, is_ad FROM pixels ORDER BY x, y")
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read board for archive: %w", err)
	}

	pixels := make([]models.SnapshotPixel, 0)
	for rows.Next() {
		var p models.SnapshotPixel
		var owner sql.NullInt64
		if err := rows.Scan(&p.X, &p.Y, &p.Color, &owner, &p.IsAd); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("failed to scan pixel for archive: %w", err)
		}
		if owner.Valid {
			p.OwnerID = &owner.Int64
		}
		pixels = append(pixels, p)
	}
	if err := rows.Close(); err != nil {
		return 0, nil, err
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	snapshot, err := json.Marshal(pixels)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal board snapshot: %w", err)
	}

	var totalPlacements, uniqueContributors int64
	err = tx.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT user_id) FROM placements
		WHERE placed_at >= ? AND placed_at < ?`, weekStart, weekEnd).
		Scan(&totalPlacements, &uniqueContributors)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to compute cycle statistics: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO archives (week_start, week_end, snapshot_data, total_placements, unique_contributors, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		weekStart, weekEnd, string(snapshot), totalPlacements, uniqueContributors, utils.GetSQLTime())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to insert archive: %w", err)
	}
	archiveID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, err
	}
	return archiveID, snapshot, nil
}

func (ds *DatabaseService) exportSnapshot(archiveID int64, snapshot []byte) {
	filename := fmt.Sprintf("archive_%d.json", archiveID)
	location, err := ds.storage.SaveFile(filename, snapshot, "application/json")
	if err != nil {
		ds.logger.Error("Failed to export archive snapshot", "archive_id", archiveID, "error", err)
		return
	}
	ds.logger.Info("Exported archive snapshot", "archive_id", archiveID, "location", location)

	// Rotate old exports. Archive rows are permanent; only the exported
	// copies are pruned once more than SnapshotExportKeep exist.
	if old := archiveID - config.SnapshotExportKeep; old > 0 {
		oldName := fmt.Sprintf("archive_%d.json", old)
		if err := ds.storage.DeleteFile(oldName); err != nil {
			ds.logger.Error("Failed to prune old archive export", "file", oldName, "error", err)
		}
	}
}
