// pixl/database/database.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pixl/config"
	"pixl/models"
	"pixl/utils"

	"github.com/mattn/go-sqlite3"
)

// stateTimeLayout is how the global_state key/value rows encode timestamps.
const stateTimeLayout = time.RFC3339Nano

// Cycle-state keys in global_state.
const (
	stateWeekStart     = "week_start"
	stateLastPlacement = "last_placement"
	stateCurrentCap    = "current_cap"
	stateBoardFrozen   = "board_frozen"
)

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB      *sql.DB
	logger  *slog.Logger
	storage models.StorageService // optional snapshot export target
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so state helpers work inside
// and outside transactions.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// InitDB connects to the database, runs migrations, and seeds the cycle state.
// The DSN should enable WAL, foreign keys, a busy timeout, and immediate
// transaction locking so every write transaction serializes at BEGIN.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// Run the base schema to ensure all tables exist.
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	// Run versioned migrations
	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	// Seed cycle state if this is a fresh database.
	now := utils.GetSQLTime().Format(stateTimeLayout)
	seeds := [][2]string{
		{stateWeekStart, now},
		{stateLastPlacement, now},
		{stateCurrentCap, fmt.Sprintf("%d", config.InitialCap)},
		{stateBoardFrozen, "0"},
	}
	for _, seed := range seeds {
		if _, err := db.Exec("INSERT OR IGNORE INTO global_state (key, value, updated_at) VALUES (?, ?, ?)", seed[0], seed[1], utils.GetSQLTime()); err != nil {
			return nil, fmt.Errorf("failed to seed global state %q: %w", seed[0], err)
		}
	}

	logger.Info("Database initialized")

	return &DatabaseService{
		DB:     db,
		logger: logger,
	}, nil
}

// SetStorage attaches a snapshot export target used after cycle rollovers.
func (ds *DatabaseService) SetStorage(storage models.StorageService) {
	ds.storage = storage
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	for _, m := range allMigrations {
		if m.Version > latestVersion {
			logger.Info("Applying migration", "version", m.Version)
			tx, err := db.Begin()
			if err != nil {
				return err
			}

			if _, err := tx.Exec(m.Query); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, utils.GetSQLTime()); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
			}
		}
	}
	return nil
}

// withTx runs fn inside a transaction, retrying a bounded number of times on
// SQLITE_BUSY/SQLITE_LOCKED so concurrent writers are never surfaced as hard
// failures until the retries are exhausted.
func (ds *DatabaseService) withTx(fn func(tx *sql.Tx) error) error {
	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = ds.runTx(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
	}
	ds.logger.Warn("Transaction kept hitting lock contention", "attempts", maxAttempts, "error", err)
	return models.NewError(models.KindTransient, "storage busy, try again")
}

func (ds *DatabaseService) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := ds.DB.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			ds.logger.Error("Failed to rollback transaction", "error", rerr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isBusy reports whether err is a SQLite lock-contention error.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// --- Cycle-state helpers ---

func getState(q dbtx, key string) (string, error) {
	var value string
	if err := q.QueryRow("SELECT value FROM global_state WHERE key = ?", key).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to read global state %q: %w", key, err)
	}
	return value, nil
}

func setState(q dbtx, key, value string) error {
	if _, err := q.Exec("UPDATE global_state SET value = ?, updated_at = ? WHERE key = ?", value, utils.GetSQLTime(), key); err != nil {
		return fmt.Errorf("failed to write global state %q: %w", key, err)
	}
	return nil
}

func getStateTime(q dbtx, key string) (time.Time, error) {
	value, err := getState(q, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(stateTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp in global state %q: %w", key, err)
	}
	return t, nil
}

func setStateTime(q dbtx, key string, t time.Time) error {
	return setState(q, key, t.Format(stateTimeLayout))
}

func getStateInt(q dbtx, key string) (int64, error) {
	value, err := getState(q, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("malformed integer in global state %q: %w", key, err)
	}
	return n, nil
}

func setStateInt(q dbtx, key string, n int64) error {
	return setState(q, key, fmt.Sprintf("%d", n))
}

func getStateBool(q dbtx, key string) (bool, error) {
	value, err := getState(q, key)
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

func setStateBool(q dbtx, key string, b bool) error {
	value := "0"
	if b {
		value = "1"
	}
	return setState(q, key, value)
}

// IsBoardFrozen reads the freeze flag outside any transaction.
func (ds *DatabaseService) IsBoardFrozen() (bool, error) {
	return getStateBool(ds.DB, stateBoardFrozen)
}

// CycleState returns the current process-wide cycle state.
func (ds *DatabaseService) CycleState() (*models.CycleState, error) {
	weekStart, err := getStateTime(ds.DB, stateWeekStart)
	if err != nil {
		return nil, err
	}
	lastPlacement, err := getStateTime(ds.DB, stateLastPlacement)
	if err != nil {
		return nil, err
	}
	cap, err := getStateInt(ds.DB, stateCurrentCap)
	if err != nil {
		return nil, err
	}
	frozen, err := getStateBool(ds.DB, stateBoardFrozen)
	if err != nil {
		return nil, err
	}
	return &models.CycleState{
		WeekStart:     weekStart,
		LastPlacement: lastPlacement,
		CurrentCap:    cap,
		BoardFrozen:   frozen,
	}, nil
}
