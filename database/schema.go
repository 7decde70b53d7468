package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	credits INTEGER DEFAULT 0,
	lifetime_paid_placements INTEGER DEFAULT 0,
	undo_escalation_count INTEGER DEFAULT 0,
	ad_violation_count INTEGER DEFAULT 0,
	last_reward_month TEXT,
	created_at DATETIME
);
CREATE TABLE IF NOT EXISTS pixels (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	color TEXT NOT NULL,
	cost_level INTEGER DEFAULT 0,
	owner_id INTEGER,
	is_ad BOOLEAN DEFAULT 0,
	updated_at DATETIME,
	PRIMARY KEY (x, y),
	FOREIGN KEY (owner_id) REFERENCES users(id)
);
-- Append-only placement log; 'undone' is the only column that ever changes.
-- previous_* columns capture the cell state needed to reverse the entry.
CREATE TABLE IF NOT EXISTS placements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	color TEXT NOT NULL,
	cost INTEGER NOT NULL,
	was_free BOOLEAN DEFAULT 0,
	is_ad BOOLEAN DEFAULT 0,
	undone BOOLEAN DEFAULT 0,
	previous_color TEXT,
	previous_owner_id INTEGER,
	previous_is_ad BOOLEAN DEFAULT 0,
	placed_at DATETIME,
	FOREIGN KEY (user_id) REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reporter_user_id INTEGER NOT NULL,
	pixel_x INTEGER NOT NULL,
	pixel_y INTEGER NOT NULL,
	reason TEXT,
	ip_hash TEXT,
	reported_at DATETIME,
	FOREIGN KEY (reporter_user_id) REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS archives (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	week_start DATETIME NOT NULL,
	week_end DATETIME NOT NULL,
	snapshot_data TEXT NOT NULL,
	total_placements INTEGER DEFAULT 0,
	unique_contributors INTEGER DEFAULT 0,
	archived_at DATETIME
);
CREATE TABLE IF NOT EXISTS votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	archive_id INTEGER NOT NULL,
	month INTEGER NOT NULL,
	year INTEGER NOT NULL,
	voted_at DATETIME,
	FOREIGN KEY (user_id) REFERENCES users(id),
	FOREIGN KEY (archive_id) REFERENCES archives(id),
	UNIQUE(user_id, month, year)
);
-- Small key/value area for process-wide cycle state:
-- week_start, last_placement, current_cap, board_frozen.
CREATE TABLE IF NOT EXISTS global_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME
);
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME
);

-- --- INDEXES ---
CREATE INDEX IF NOT EXISTS idx_placements_user ON placements(user_id);
CREATE INDEX IF NOT EXISTS idx_placements_placed_at ON placements(placed_at);
CREATE INDEX IF NOT EXISTS idx_placements_paid_window ON placements(placed_at, was_free);
CREATE INDEX IF NOT EXISTS idx_reports_reported_at ON reports(reported_at);
CREATE INDEX IF NOT EXISTS idx_pixels_cost_level ON pixels(cost_level);
CREATE INDEX IF NOT EXISTS idx_archives_week_end ON archives(week_end);
CREATE INDEX IF NOT EXISTS idx_votes_archive ON votes(archive_id);
`
