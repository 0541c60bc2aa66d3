package export

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"ml_backend_project/models"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultArchivePath is where finished sessions are archived locally
const DefaultArchivePath = "data/sessions_archive.db"

// Archive is a local SQLite cold store for finished sessions and their full
// metric/resource history, so the primary database can be pruned without
// losing run records.
type Archive struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenArchive opens (creating if needed) the archive database
func OpenArchive(path string) (*Archive, error) {
	if path == "" {
		path = DefaultArchivePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping archive: %w", err)
	}

	a := &Archive{db: db}
	if err := a.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create archive tables: %w", err)
	}

	log.Printf("Session archive initialized at %s", path)
	return a, nil
}

// Close closes the archive database
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Archive) createTables() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archived_sessions (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL,
			total_steps INTEGER NOT NULL,
			latest_metrics TEXT,
			best_metrics TEXT,
			error_message TEXT,
			created_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS archived_metric_points (
			session_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			step INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_points_session
			ON archived_metric_points(session_id)`,
		`CREATE TABLE IF NOT EXISTS archived_resource_samples (
			session_id INTEGER NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_mb REAL NOT NULL,
			gpu_percent REAL NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_samples_session
			ON archived_resource_samples(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// IsArchived reports whether a session already has an archive row
func (a *Archive) IsArchived(sessionID uint) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var count int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM archived_sessions WHERE id = ?`, sessionID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ArchiveSession writes a finished session and its history in one transaction
func (a *Archive) ArchiveSession(session *models.Session, points []models.MetricPoint, samples []models.ResourceSample) error {
	if !models.IsTerminalStatus(session.Status) {
		return fmt.Errorf("refusing to archive non-terminal session %d (%s)", session.ID, session.Status)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	latest, _ := json.Marshal(session.LatestMetrics)
	best, _ := json.Marshal(session.BestMetrics)

	_, err = tx.Exec(`INSERT OR REPLACE INTO archived_sessions
		(id, owner_id, kind, status, progress, total_steps, latest_metrics, best_metrics, error_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OwnerID, session.Kind, session.Status, session.Progress,
		session.TotalSteps, string(latest), string(best), session.ErrorMessage,
		session.CreatedAt, session.CompletedAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM archived_metric_points WHERE session_id = ?`, session.ID); err != nil {
		return err
	}
	for _, p := range points {
		_, err := tx.Exec(`INSERT INTO archived_metric_points (session_id, name, value, step, timestamp)
			VALUES (?, ?, ?, ?, ?)`, p.SessionID, p.Name, p.Value, p.Step, p.Timestamp)
		if err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM archived_resource_samples WHERE session_id = ?`, session.ID); err != nil {
		return err
	}
	for _, s := range samples {
		_, err := tx.Exec(`INSERT INTO archived_resource_samples (session_id, cpu_percent, memory_mb, gpu_percent, timestamp)
			VALUES (?, ?, ?, ?, ?)`, s.SessionID, s.CPUPercent, s.MemoryMB, s.GPUPercent, s.Timestamp)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ArchivedCount returns the number of archived sessions
func (a *Archive) ArchivedCount() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var count int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM archived_sessions`).Scan(&count)
	return count, err
}
