// pixl/database/board.go
package database

import (
	"database/sql"
	"fmt"

	"pixl/config"
	"pixl/models"
)

// GetBoardSnapshot returns every written cell, ordered by coordinates.
// Unwritten cells are implicit and carry no row.
func (ds *DatabaseService) GetBoardSnapshot() ([]models.Pixel, error) {
	rows, err := ds.DB.Query(`
		SELECT x, y, color, owner_id, cost_level, is_ad, updated_at
		FROM pixels ORDER BY x, y`)
	if err != nil {
		return nil, fmt.Errorf("failed to read board: %w", err)
	}
	defer rows.Close()

	pixels := make([]models.Pixel, 0)
	for rows.Next() {
		var p models.Pixel
		if err := rows.Scan(&p.X, &p.Y, &p.Color, &p.OwnerID, &p.CostLevel, &p.IsAd, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pixel: %w", err)
		}
		pixels = append(pixels, p)
	}
	return pixels, rows.Err()
}

// GetStats aggregates live counters for the current cycle alongside
// all-time totals.
func (ds *DatabaseService) GetStats() (*models.Stats, error) {
	stats := &models.Stats{
		BoardSize:       config.BoardSize,
		ReportThreshold: config.ReportFreezeThreshold,
	}
	err := ds.withTx(func(tx *sql.Tx) error {
		weekStart, err := getStateTime(tx, stateWeekStart)
		if err != nil {
			return err
		}
		stats.WeekStart = weekStart

		lastPlacement, err := getStateTime(tx, stateLastPlacement)
		if err != nil {
			return err
		}
		stats.LastPlacement = lastPlacement

		err = tx.QueryRow("SELECT COUNT(*) FROM pixels").Scan(&stats.TotalPixels)
		if err != nil {
			return fmt.Errorf("failed to count pixels: %w", err)
		}
		err = tx.QueryRow(`
			SELECT COUNT(*) FROM placements WHERE placed_at >= ?`, weekStart).
			Scan(&stats.WeekPlacements)
		if err != nil {
			return fmt.Errorf("failed to count week placements: %w", err)
		}
		err = tx.QueryRow(`
			SELECT COUNT(*) FROM reports WHERE reported_at >= ?`, weekStart).
			Scan(&stats.ReportsThisWeek)
		if err != nil {
			return fmt.Errorf("failed to count reports: %w", err)
		}

		cap, err := getStateInt(tx, stateCurrentCap)
		if err != nil {
			return err
		}
		stats.CurrentCap = cap

		frozen, err := getStateBool(tx, stateBoardFrozen)
		if err != nil {
			return err
		}
		stats.BoardFrozen = frozen
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
