// pixl/database/reports.go
package database

import (
	"database/sql"
	"fmt"
	"strings"

	"pixl/config"
	"pixl/models"
	"pixl/utils"
)

// ReportPixel records a report against a board cell and freezes the board
// once the week's report count reaches the threshold. The freeze is one-way
// for the remainder of the cycle.
func (ds *DatabaseService) ReportPixel(reporterID int64, x, y int, reason, ipHash string) (*models.ReportResult, error) {
	if err := validateCoords(x, y); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewError(models.KindInvalidArgument, "report reason cannot be empty")
	}

	result := &models.ReportResult{}
	err := ds.withTx(func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", reporterID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to look up reporter: %w", err)
		}
		if exists == 0 {
			return models.NewError(models.KindNotFound, "user %d not found", reporterID)
		}

		weekStart, err := getStateTime(tx, stateWeekStart)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO reports (reporter_user_id, pixel_x, pixel_y, reason, ip_hash, reported_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			reporterID, x, y, reason, ipHash, utils.GetSQLTime())
		if err != nil {
			return fmt.Errorf("failed to insert report: %w", err)
		}

		var count int64
		err = tx.QueryRow("SELECT COUNT(*) FROM reports WHERE reported_at >= ?", weekStart).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count reports: %w", err)
		}
		result.ReportCount = count

		frozen, err := getStateBool(tx, stateBoardFrozen)
		if err != nil {
			return err
		}
		if !frozen && count >= config.ReportFreezeThreshold {
			if err := setStateBool(tx, stateBoardFrozen, true); err != nil {
				return err
			}
			frozen = true
			ds.logger.Warn("Board frozen by reports", "report_count", count)
		}
		result.BoardFrozen = frozen
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
