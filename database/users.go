// pixl/database/users.go
package database

import (
	"database/sql"
	"fmt"

	"pixl/models"
	"pixl/utils"
)

// CreateUser registers a new user with an optional starting balance.
func (ds *DatabaseService) CreateUser(username string, initialCredits int64) (*models.User, error) {
	if username == "" {
		return nil, models.NewError(models.KindInvalidArgument, "username cannot be empty")
	}
	if initialCredits < 0 {
		return nil, models.NewError(models.KindInvalidArgument, "initial credits cannot be negative")
	}

	var user *models.User
	err := ds.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO users (username, credits, created_at) VALUES (?, ?, ?)",
			username, initialCredits, utils.GetSQLTime())
		if err != nil {
			if isUniqueViolation(err) {
				return models.NewError(models.KindConflict, "username %q already exists", username)
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		user = &models.User{ID: id, Username: username, Credits: initialCredits}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser fetches a user by ID.
func (ds *DatabaseService) GetUser(userID int64) (*models.User, error) {
	var u models.User
	err := ds.DB.QueryRow(`
		SELECT id, username, credits, lifetime_paid_placements, undo_escalation_count,
		       ad_violation_count, last_reward_month, created_at
		FROM users WHERE id = ?`, userID).Scan(
		&u.ID, &u.Username, &u.Credits, &u.LifetimePaidPlacements, &u.UndoEscalationCount,
		&u.AdViolationCount, &u.LastRewardMonth, &u.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.NewError(models.KindNotFound, "user %d not found", userID)
		}
		return nil, fmt.Errorf("db error getting user %d: %w", userID, err)
	}
	return &u, nil
}

// CreditUser applies an external credit grant to a user's balance. The
// reference identifies the grant (e.g. a payment confirmation) so replaying
// the same event is a Conflict rather than a double credit.
func (ds *DatabaseService) CreditUser(userID, amount int64, reference string) (int64, error) {
	if amount <= 0 {
		return 0, models.NewError(models.KindInvalidArgument, "grant amount must be positive")
	}

	var newBalance int64
	err := ds.withTx(func(tx *sql.Tx) error {
		var balance int64
		if err := tx.QueryRow("SELECT credits FROM users WHERE id = ?", userID).Scan(&balance); err != nil {
			if err == sql.ErrNoRows {
				return models.NewError(models.KindNotFound, "user %d not found", userID)
			}
			return fmt.Errorf("db error getting user %d: %w", userID, err)
		}

		if _, err := tx.Exec("INSERT INTO credit_grants (user_id, reference, amount, granted_at) VALUES (?, ?, ?, ?)",
			userID, reference, amount, utils.GetSQLTime()); err != nil {
			if isUniqueViolation(err) {
				return models.NewError(models.KindConflict, "grant %q already applied", reference)
			}
			return fmt.Errorf("failed to record credit grant: %w", err)
		}
		if _, err := tx.Exec("UPDATE users SET credits = credits + ? WHERE id = ?", amount, userID); err != nil {
			return fmt.Errorf("failed to credit user %d: %w", userID, err)
		}
		newBalance = balance + amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Leaderboard returns the top contributors by lifetime paid placements.
func (ds *DatabaseService) Leaderboard(limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := ds.DB.Query(`
		SELECT username, lifetime_paid_placements, created_at
		FROM users
		WHERE lifetime_paid_placements > 0
		ORDER BY lifetime_paid_placements DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in Leaderboard", "error", err)
		}
	}()

	var entries []models.LeaderboardEntry
	rank := 1
	for rows.Next() {
		var e models.LeaderboardEntry
		var joined sql.NullTime
		if err := rows.Scan(&e.Username, &e.Placements, &joined); err != nil {
			ds.logger.Error("Failed to scan leaderboard row", "error", err)
			continue
		}
		if joined.Valid {
			e.Joined = joined.Time.Format("2006-01-02")
		}
		e.Rank = rank
		rank++
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
