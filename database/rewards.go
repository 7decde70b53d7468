// pixl/database/rewards.go
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pixl/config"
	"pixl/economy"
	"pixl/models"
	"pixl/utils"
)

// monthWindow returns the UTC [start, end) interval of a calendar month.
func monthWindow(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// CastVote records one vote for an archived week. The vote counts toward the
// calendar month the archive's week ended in, and each user gets a single
// vote per month.
func (ds *DatabaseService) CastVote(userID, archiveID int64) error {
	return ds.withTx(func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to look up voter: %w", err)
		}
		if exists == 0 {
			return models.NewError(models.KindNotFound, "user %d not found", userID)
		}

		var weekEnd time.Time
		err = tx.QueryRow("SELECT week_end FROM archives WHERE id = ?", archiveID).Scan(&weekEnd)
		if err == sql.ErrNoRows {
			return models.NewError(models.KindNotFound, "archive %d not found", archiveID)
		}
		if err != nil {
			return fmt.Errorf("failed to look up archive: %w", err)
		}

		weekEnd = weekEnd.UTC()
		_, err = tx.Exec(`
			INSERT INTO votes (user_id, archive_id, month, year, voted_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, archiveID, int(weekEnd.Month()), weekEnd.Year(), utils.GetSQLTime())
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewError(models.KindConflict, "user %d has already voted for %d-%02d", userID, weekEnd.Year(), int(weekEnd.Month()))
			}
			return fmt.Errorf("failed to insert vote: %w", err)
		}
		return nil
	})
}

// ResolveMonthlyWinner picks the most-voted archive of a calendar month and
// rewards its top paid contributor, unless that user won within the cooldown
// period. The grant and the cooldown stamp commit atomically, so repeated
// calls for the same month cannot double-pay.
func (ds *DatabaseService) ResolveMonthlyWinner(year, month int) (*models.WinnerResult, error) {
	if month < 1 || month > 12 {
		return nil, models.NewError(models.KindInvalidArgument, "month must be 1-12, got %d", month)
	}

	result := &models.WinnerResult{Year: year, Month: month}
	err := ds.withTx(func(tx *sql.Tx) error {
		var archiveID int64
		var weekStart, weekEnd time.Time
		err := tx.QueryRow(`
			SELECT a.id, a.week_start, a.week_end, COUNT(v.id) AS votes
			FROM votes v JOIN archives a ON a.id = v.archive_id
			WHERE v.year = ? AND v.month = ?
			GROUP BY a.id
			ORDER BY votes DESC, a.week_end ASC
			LIMIT 1`, year, month).
			Scan(&archiveID, &weekStart, &weekEnd, &result.Votes)
		if err == sql.ErrNoRows {
			result.Message = "no votes were cast this month"
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve winning archive: %w", err)
		}
		result.ArchiveID = archiveID

		var winnerID, paidPlacements int64
		err = tx.QueryRow(`
			SELECT user_id, COUNT(*) AS paid
			FROM placements
			WHERE placed_at >= ? AND placed_at < ? AND was_free = 0 AND undone = 0
			GROUP BY user_id
			ORDER BY paid DESC, user_id ASC
			LIMIT 1`, weekStart, weekEnd).
			Scan(&winnerID, &paidPlacements)
		if err == sql.ErrNoRows {
			result.Message = "the winning week had no paid placements"
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve top contributor: %w", err)
		}

		var username string
		var lastRewardMonth sql.NullString
		err = tx.QueryRow("SELECT username, last_reward_month FROM users WHERE id = ?", winnerID).
			Scan(&username, &lastRewardMonth)
		if err != nil {
			return fmt.Errorf("failed to look up winner: %w", err)
		}

		entry := &models.WinnerEntry{
			UserID:         winnerID,
			Username:       username,
			PaidPlacements: paidPlacements,
		}
		result.Winner = entry

		if !economy.RewardEligible(lastRewardMonth.String, year, month) {
			entry.CooldownActive = true
			result.Message = "winner is within the reward cooldown period"
			return nil
		}

		_, err = tx.Exec(`
			UPDATE users SET credits = credits + ?, last_reward_month = ?
			WHERE id = ?`,
			config.RewardAmount, economy.RewardMonthKey(year, month), winnerID)
		if err != nil {
			return fmt.Errorf("failed to grant reward: %w", err)
		}
		entry.RewardGiven = true
		entry.RewardAmount = config.RewardAmount
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Winner != nil && result.Winner.RewardGiven {
		ds.logger.Info("Monthly reward granted",
			"year", year, "month", month,
			"user_id", result.Winner.UserID, "amount", config.RewardAmount)
	}
	return result, nil
}

const archiveColumns = `
	a.id, a.week_start, a.week_end, a.total_placements,
	a.unique_contributors, a.archived_at,
	(SELECT COUNT(*) FROM votes v WHERE v.archive_id = a.id) AS votes`

func scanArchives(rows *sql.Rows) ([]models.Archive, error) {
	defer rows.Close()
	archives := make([]models.Archive, 0)
	for rows.Next() {
		var a models.Archive
		err := rows.Scan(&a.ID, &a.WeekStart, &a.WeekEnd, &a.TotalPlacements,
			&a.UniqueContributors, &a.ArchivedAt, &a.Votes)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

// ListArchives returns all archived weeks, most recent first.
func (ds *DatabaseService) ListArchives() ([]models.Archive, error) {
	rows, err := ds.DB.Query(`
		SELECT ` + archiveColumns + `
		FROM archives a ORDER BY a.week_end DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	return scanArchives(rows)
}

// ListMonthlyArchives returns the archives whose week ended inside the given
// calendar month, oldest first. These are the candidates a monthly vote can
// target.
func (ds *DatabaseService) ListMonthlyArchives(year, month int) ([]models.Archive, error) {
	if month < 1 || month > 12 {
		return nil, models.NewError(models.KindInvalidArgument, "month must be 1-12, got %d", month)
	}
	start, end := monthWindow(year, month)
	rows, err := ds.DB.Query(`
		SELECT `+archiveColumns+`
		FROM archives a
		WHERE a.week_end >= ? AND a.week_end < ?
		ORDER BY a.week_end ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list monthly archives: %w", err)
	}
	return scanArchives(rows)
}

// GetArchive returns one archive together with its stored board snapshot.
func (ds *DatabaseService) GetArchive(archiveID int64) (*models.Archive, json.RawMessage, error) {
	var a models.Archive
	var snapshot string
	err := ds.DB.QueryRow(`
		SELECT `+archiveColumns+`, a.snapshot_data
		FROM archives a WHERE a.id = ?`, archiveID).
		Scan(&a.ID, &a.WeekStart, &a.WeekEnd, &a.TotalPlacements,
			&a.UniqueContributors, &a.ArchivedAt, &a.Votes, &snapshot)
	if err == sql.ErrNoRows {
		return nil, nil, models.NewError(models.KindNotFound, "archive %d not found", archiveID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return &a, json.RawMessage(snapshot), nil
}
