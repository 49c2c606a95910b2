package transcript

import (
	"database/sql"
	"fmt"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// initSchema creates the relay transcript tables and indexes
func initSchema(db *sql.DB) error {
	L_debug("transcript: initializing schema")

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_sessions (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			last_turn_at INTEGER NOT NULL,
			turns INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("create relay_sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES relay_sessions(id),
			direction TEXT NOT NULL,
			from_tab TEXT NOT NULL,
			to_tab TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create relay_turns table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_turns_session ON relay_turns(session_id, created_at)`); err != nil {
		return fmt.Errorf("create idx_turns_session: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_turns_time ON relay_turns(created_at)`); err != nil {
		return fmt.Errorf("create idx_turns_time: %w", err)
	}

	L_debug("transcript: schema ready")
	return nil
}
