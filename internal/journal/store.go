// Package journal keeps a local record of attendance and enrollment attempts
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Action names the operation an entry records
type Action string

const (
	ActionVerify Action = "verify"
	ActionEnroll Action = "enroll"
	ActionRemove Action = "remove"
)

// Entry is one recorded attempt. Subject is the recognised or submitted name
// and may be empty. Outcome is the failure kind, or "ok".
type Entry struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	Success   bool      `json:"success"`
	Outcome   string    `json:"outcome"`
	Distance  *float64  `json:"distance,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the sqlite-backed journal
type Store struct {
	db      *sql.DB
	dataDir string
}

// NewStore opens or creates the journal database at dbPath
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:      db,
		dataDir: dir,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		subject TEXT,
		success BOOLEAN NOT NULL,
		outcome TEXT NOT NULL,
		distance REAL,
		message TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_subject ON attempts(subject);
	CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON attempts(created_at);

	CREATE TABLE IF NOT EXISTS roster (
		name TEXT PRIMARY KEY,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores e, assigning an ID and timestamp when missing
func (s *Store) Record(e Entry) (*Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Outcome == "" {
		e.Outcome = "ok"
	}

	var distance sql.NullFloat64
	if e.Distance != nil {
		distance = sql.NullFloat64{Float64: *e.Distance, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO attempts (id, action, subject, success, outcome, distance, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.Subject, e.Success, e.Outcome, distance, e.Message, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	return &e, nil
}

// Recent returns the latest entries, newest first
func (s *Store) Recent(limit int) ([]Entry, error) {
	return s.query(
		`SELECT id, action, subject, success, outcome, distance, message, created_at
		 FROM attempts
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
}

// ForSubject returns the latest entries for one name, newest first
func (s *Store) ForSubject(subject string, limit int) ([]Entry, error) {
	return s.query(
		`SELECT id, action, subject, success, outcome, distance, message, created_at
		 FROM attempts
		 WHERE subject = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		subject, limit,
	)
}

func (s *Store) query(q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		var subject, message sql.NullString
		var distance sql.NullFloat64

		err := rows.Scan(&e.ID, &action, &subject, &e.Success, &e.Outcome, &distance, &message, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		e.Action = Action(action)
		e.Subject = subject.String
		e.Message = message.String
		if distance.Valid {
			d := distance.Float64
			e.Distance = &d
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// SaveRoster replaces the cached roster with the names last reported by the
// server
func (s *Store) SaveRoster(names []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM roster`); err != nil {
		return fmt.Errorf("failed to clear roster: %w", err)
	}

	now := time.Now()
	for _, name := range names {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO roster (name, updated_at) VALUES (?, ?)`, name, now); err != nil {
			return fmt.Errorf("failed to save roster entry %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit roster: %w", err)
	}
	return nil
}

// Roster returns the cached roster sorted by name
func (s *Store) Roster() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM roster ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
