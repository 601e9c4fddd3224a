package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/pipewatch/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache for better performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		engine TEXT NOT NULL,
		args TEXT,
		binary TEXT,
		allow_block BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		reason TEXT,
		pid INTEGER DEFAULT 0,
		stalls INTEGER NOT NULL DEFAULT 0,
		restarts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pipeline_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status);
	CREATE INDEX IF NOT EXISTS idx_pipeline_events_pipeline ON pipeline_events(pipeline_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreatePipeline adds a pipeline record
func (s *SQLiteStore) CreatePipeline(p *models.Pipeline) error {
	args, err := json.Marshal(p.Definition.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO pipelines
		(id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Definition.Engine, string(args), p.Definition.Binary, p.AllowBlock,
		string(p.Status), p.Reason, p.PID, p.Stalls, p.Restarts, p.CreatedAt, p.StartedAt, p.FinishedAt)

	return err
}

// GetPipeline retrieves a pipeline by ID
func (s *SQLiteStore) GetPipeline(id string) (*models.Pipeline, error) {
	row := s.db.QueryRow(`
		SELECT id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at
		FROM pipelines WHERE id = ?
	`, id)
	return scanPipeline(row)
}

// ListPipelines returns all pipeline records
func (s *SQLiteStore) ListPipelines() ([]*models.Pipeline, error) {
	rows, err := s.db.Query(`
		SELECT id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at
		FROM pipelines ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPipelines(rows)
}

// ListPipelinesByStatus returns all pipelines in the given status
func (s *SQLiteStore) ListPipelinesByStatus(status models.PipelineStatus) ([]*models.Pipeline, error) {
	rows, err := s.db.Query(`
		SELECT id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at
		FROM pipelines WHERE status = ? ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPipelines(rows)
}

// UpdatePipelinePID records the subprocess PID of a pipeline
func (s *SQLiteStore) UpdatePipelinePID(id string, pid int) error {
	result, err := s.db.Exec(`UPDATE pipelines SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// UpdatePipelineCounters records the watchdog's stall and restart totals
func (s *SQLiteStore) UpdatePipelineCounters(id string, stalls, restarts int) error {
	result, err := s.db.Exec(`UPDATE pipelines SET stalls = ?, restarts = ? WHERE id = ?`, stalls, restarts, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// DeletePipeline removes a pipeline record and its events
func (s *SQLiteStore) DeletePipeline(id string) error {
	result, err := s.db.Exec(`DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPipelineNotFound
	}
	_, err = s.db.Exec(`DELETE FROM pipeline_events WHERE pipeline_id = ?`, id)
	return err
}

// TransitionPipeline moves a pipeline to a new status when allowed
func (s *SQLiteStore) TransitionPipeline(id string, to models.PipelineStatus, reason string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var currentStatus string
	err = tx.QueryRow(`SELECT status FROM pipelines WHERE id = ?`, id).Scan(&currentStatus)
	if err == sql.ErrNoRows {
		return false, ErrPipelineNotFound
	}
	if err != nil {
		return false, err
	}

	from := models.PipelineStatus(currentStatus)
	if from == to {
		return false, nil
	}
	// Stale updates are no-ops, not errors. A late failure report for a
	// pipeline that was already killed must not overwrite the record.
	if err := models.ValidateTransition(from, to); err != nil {
		return false, nil
	}

	now := time.Now()
	if reason != "" {
		_, err = tx.Exec(`UPDATE pipelines SET status = ?, reason = ? WHERE id = ?`, string(to), reason, id)
	} else {
		_, err = tx.Exec(`UPDATE pipelines SET status = ? WHERE id = ?`, string(to), id)
	}
	if err != nil {
		return false, err
	}

	if to == models.StatusRunning {
		if _, err := tx.Exec(`UPDATE pipelines SET started_at = ? WHERE id = ? AND started_at IS NULL`, now, id); err != nil {
			return false, err
		}
	}
	if models.IsTerminalStatus(to) {
		if _, err := tx.Exec(`UPDATE pipelines SET finished_at = ? WHERE id = ?`, now, id); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// AppendEvent adds an entry to a pipeline's audit trail
func (s *SQLiteStore) AppendEvent(ev *models.PipelineEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_events (pipeline_id, kind, detail, at)
		VALUES (?, ?, ?, ?)
	`, ev.PipelineID, ev.Kind, ev.Detail, at)
	return err
}

// ListEvents returns a pipeline's audit trail, newest first
func (s *SQLiteStore) ListEvents(pipelineID string, limit int) ([]*models.PipelineEvent, error) {
	query := `
		SELECT id, pipeline_id, kind, detail, at
		FROM pipeline_events WHERE pipeline_id = ? ORDER BY id DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, pipelineID, limit)
	} else {
		rows, err = s.db.Query(query, pipelineID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.PipelineEvent
	for rows.Next() {
		var ev models.PipelineEvent
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.PipelineID, &ev.Kind, &detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Detail = detail.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Metrics returns aggregated pipeline statistics
func (s *SQLiteStore) Metrics() (*Metrics, error) {
	m := &Metrics{
		PipelinesByStatus: make(map[models.PipelineStatus]int),
		PipelinesByEngine: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM pipelines GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		m.PipelinesByStatus[models.PipelineStatus(status)] = count
		m.TotalPipelines += count
		if models.IsActiveStatus(models.PipelineStatus(status)) {
			m.ActivePipelines += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	engineRows, err := s.db.Query(`SELECT engine, COUNT(*) FROM pipelines GROUP BY engine`)
	if err != nil {
		return nil, err
	}
	defer engineRows.Close()
	for engineRows.Next() {
		var engine string
		var count int
		if err := engineRows.Scan(&engine, &count); err != nil {
			return nil, err
		}
		m.PipelinesByEngine[engine] = count
	}
	return m, engineRows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPipeline(row rowScanner) (*models.Pipeline, error) {
	var p models.Pipeline
	var argsJSON, binary, reason sql.NullString
	var startedAt, finishedAt sql.NullTime
	var status string

	err := row.Scan(&p.ID, &p.Name, &p.Definition.Engine, &argsJSON, &binary, &p.AllowBlock,
		&status, &reason, &p.PID, &p.Stalls, &p.Restarts, &p.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Status = models.PipelineStatus(status)
	p.Definition.Binary = binary.String
	p.Reason = reason.String
	if argsJSON.Valid && argsJSON.String != "" && argsJSON.String != "null" {
		if err := json.Unmarshal([]byte(argsJSON.String), &p.Definition.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args: %w", err)
		}
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		p.FinishedAt = &finishedAt.Time
	}
	return &p, nil
}

func scanPipelines(rows *sql.Rows) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}
