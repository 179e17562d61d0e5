package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aaronsb/livetranscripts/pkg/logger"
	_ "modernc.org/sqlite"
)

// SessionRecord is one completed session's final transcript and metadata,
// persisted when the session reaches STOPPED.
type SessionRecord struct {
	ID                int64
	StartedAt         time.Time
	StoppedAt         time.Time
	Focus             string
	FullText          string
	TranscriptionCount int
}

// SessionLogStorage persists completed sessions to SQLite.
type SessionLogStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the SQLite database at dbPath and
// prepares the session_logs table.
func Open(dbPath string, log *logger.Logger) (*SessionLogStorage, error) {
	storageLogger := log.Named("sqlite")
	storageLogger.Info("initializing sqlite storage", logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer at a time
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SessionLogStorage{db: db, logger: storageLogger}
	if err := s.initDB(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionLogStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NOT NULL,
			focus TEXT,
			full_text TEXT NOT NULL,
			transcription_count INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create session_logs table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_logs_started_at ON session_logs(started_at)`)
	if err != nil {
		return fmt.Errorf("failed to create started_at index: %w", err)
	}

	return nil
}

// Close closes the underlying database handle.
func (s *SessionLogStorage) Close() error {
	return s.db.Close()
}

// StoreSession inserts a completed session's record and returns its id.
func (s *SessionLogStorage) StoreSession(rec SessionRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO session_logs (started_at, stopped_at, focus, full_text, transcription_count)
		VALUES (?, ?, ?, ?, ?)`,
		rec.StartedAt.Format(time.RFC3339),
		rec.StoppedAt.Format(time.RFC3339),
		rec.Focus,
		rec.FullText,
		rec.TranscriptionCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// GetSessions returns the most recent sessions, newest first.
func (s *SessionLogStorage) GetSessions(limit, offset int) ([]*SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, stopped_at, focus, full_text, transcription_count
		FROM session_logs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session logs: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startedAt, stoppedAt string
		var focus sql.NullString

		if err := rows.Scan(&rec.ID, &startedAt, &stoppedAt, &focus, &rec.FullText, &rec.TranscriptionCount); err != nil {
			return nil, fmt.Errorf("failed to scan session log: %w", err)
		}

		rec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		rec.StoppedAt, err = time.Parse(time.RFC3339, stoppedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stopped_at: %w", err)
		}
		if focus.Valid {
			rec.Focus = focus.String
		}

		records = append(records, &rec)
	}
	return records, rows.Err()
}
