// Package transcript keeps a SQLite log of relay turns: what each AI said,
// where it was relayed, and how the delivery went.
package transcript

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/paths"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

const (
	dbFileName    = "transcript.db"
	dbOpenOptions = "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"

	defaultLimit = 50
	maxLimit     = 1000
)

// Turn is one recorded relay attempt.
type Turn struct {
	ID        string             `json:"id"`
	SessionID string             `json:"sessionId"`
	Direction protocol.Direction `json:"direction"`
	From      protocol.TabID     `json:"from"`
	To        protocol.TabID     `json:"to"`
	Text      string             `json:"text"`
	Status    protocol.Status    `json:"status"`
	At        time.Time          `json:"at"`
}

// Session summarizes one relay session.
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	LastTurnAt time.Time `json:"lastTurnAt"`
	Turns      int       `json:"turns"`
}

// Store is the transcript database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.duoprompt/transcript.db
func DefaultPath() (string, error) {
	return paths.DataPath(dbFileName)
}

// Open opens (creating if needed) the transcript database at path.
func Open(path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("transcript directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+dbOpenOptions)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under the
	// concurrent event handlers.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	L_debug("transcript: opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a turn, creating its session row on first use. Missing
// IDs and times are filled in.
func (s *Store) Append(t *Turn) error {
	if t.SessionID == "" {
		return fmt.Errorf("turn has no session id")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	at := t.At.UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO relay_sessions (id, started_at, last_turn_at, turns) VALUES (?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET last_turn_at = excluded.last_turn_at, turns = turns + 1
	`, t.SessionID, at, at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO relay_turns (id, session_id, direction, from_tab, to_tab, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, string(t.Direction), string(t.From), string(t.To), t.Text, string(t.Status), at); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return tx.Commit()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}

const turnColumns = `id, session_id, direction, from_tab, to_tab, content, status, created_at`

// Recent returns the newest turns, newest first.
func (s *Store) Recent(limit int) ([]Turn, error) {
	return s.query(`SELECT `+turnColumns+` FROM relay_turns ORDER BY created_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
}

// SessionTurns returns a session's turns in order.
func (s *Store) SessionTurns(sessionID string) ([]Turn, error) {
	return s.query(`SELECT `+turnColumns+` FROM relay_turns WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
}

// Search returns turns whose text contains query (case-insensitive for
// ASCII), newest first.
func (s *Store) Search(query string, limit int) ([]Turn, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	return s.query(`SELECT `+turnColumns+` FROM relay_turns WHERE content LIKE ? ESCAPE '\' ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		"%"+escaped+"%", clampLimit(limit))
}

// Sessions returns session summaries, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, started_at, last_turn_at, turns FROM relay_sessions ORDER BY last_turn_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess          Session
			started, last int64
		)
		if err := rows.Scan(&sess.ID, &started, &last, &sess.Turns); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started)
		sess.LastTurnAt = time.UnixMilli(last)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) query(q string, args ...any) ([]Turn, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t                           Turn
			direction, from, to, status string
			at                          int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &direction, &from, &to, &t.Text, &status, &at); err != nil {
			return nil, err
		}
		t.Direction = protocol.Direction(direction)
		t.From = protocol.TabID(from)
		t.To = protocol.TabID(to)
		t.Status = protocol.Status(status)
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Record subscribes the store to relay turn events. The returned function
// unsubscribes.
func (s *Store) Record(events *bus.Events) func() {
	id := events.Subscribe(bus.TopicRelayTurn, func(e bus.Event) {
		ev, ok := e.Data.(bus.TurnEvent)
		if !ok {
			return
		}
		t := Turn{
			ID:        ev.TurnID,
			SessionID: ev.SessionID,
			Direction: ev.Direction,
			From:      ev.From,
			To:        ev.To,
			Text:      ev.Text,
			Status:    ev.Status,
			At:        ev.At,
		}
		if err := s.Append(&t); err != nil {
			L_warn("transcript: failed to record turn", "session", ev.SessionID, "error", err)
		}
	})
	return func() { events.Unsubscribe(id) }
}
