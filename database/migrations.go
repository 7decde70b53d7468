// pixl/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Audit log for external credit grants (payment confirmations land here)
CREATE TABLE IF NOT EXISTS credit_grants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	reference TEXT UNIQUE NOT NULL,
	amount INTEGER NOT NULL,
	granted_at DATETIME,
	FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_credit_grants_user ON credit_grants(user_id);
		`,
	},
}
