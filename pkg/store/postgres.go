package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/pipewatch/pkg/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		engine TEXT NOT NULL,
		args JSONB,
		binary TEXT,
		allow_block BOOLEAN NOT NULL DEFAULT false,
		status TEXT NOT NULL,
		reason TEXT,
		pid INTEGER NOT NULL DEFAULT 0,
		stalls INTEGER NOT NULL DEFAULT 0,
		restarts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pipeline_events (
		id BIGSERIAL PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status);
	CREATE INDEX IF NOT EXISTS idx_pipeline_events_pipeline ON pipeline_events(pipeline_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreatePipeline adds a pipeline record
func (s *PostgresStore) CreatePipeline(p *models.Pipeline) error {
	args, err := json.Marshal(p.Definition.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO pipelines
		(id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Name, p.Definition.Engine, string(args), p.Definition.Binary, p.AllowBlock,
		string(p.Status), p.Reason, p.PID, p.Stalls, p.Restarts, p.CreatedAt, p.StartedAt, p.FinishedAt)

	return err
}

// GetPipeline retrieves a pipeline by ID
func (s *PostgresStore) GetPipeline(id string) (*models.Pipeline, error) {
	row := s.db.QueryRow(`
		SELECT id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at
		FROM pipelines WHERE id = $1
	`, id)
	return scanPipeline(row)
}

// ListPipelines returns all pipeline records
func (s *PostgresStore) ListPipelines() ([]*models.Pipeline, error) {
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
func (s *PostgresStore) ListPipelinesByStatus(status models.PipelineStatus) ([]*models.Pipeline, error) {
	rows, err := s.db.Query(`
		SELECT id, name, engine, args, binary, allow_block, status, reason, pid, stalls, restarts, created_at, started_at, finished_at
		FROM pipelines WHERE status = $1 ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPipelines(rows)
}

// UpdatePipelinePID records the subprocess PID of a pipeline
func (s *PostgresStore) UpdatePipelinePID(id string, pid int) error {
	result, err := s.db.Exec(`UPDATE pipelines SET pid = $1 WHERE id = $2`, pid, id)
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
func (s *PostgresStore) UpdatePipelineCounters(id string, stalls, restarts int) error {
	result, err := s.db.Exec(`UPDATE pipelines SET stalls = $1, restarts = $2 WHERE id = $3`, stalls, restarts, id)
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
func (s *PostgresStore) DeletePipeline(id string) error {
	result, err := s.db.Exec(`DELETE FROM pipelines WHERE id = $1`, id)
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
	_, err = s.db.Exec(`DELETE FROM pipeline_events WHERE pipeline_id = $1`, id)
	return err
}

// TransitionPipeline moves a pipeline to a new status when allowed
func (s *PostgresStore) TransitionPipeline(id string, to models.PipelineStatus, reason string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var currentStatus string
	err = tx.QueryRow(`SELECT status FROM pipelines WHERE id = $1 FOR UPDATE`, id).Scan(&currentStatus)
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
		_, err = tx.Exec(`UPDATE pipelines SET status = $1, reason = $2 WHERE id = $3`, string(to), reason, id)
	} else {
		_, err = tx.Exec(`UPDATE pipelines SET status = $1 WHERE id = $2`, string(to), id)
	}
	if err != nil {
		return false, err
	}

	if to == models.StatusRunning {
		if _, err := tx.Exec(`UPDATE pipelines SET started_at = $1 WHERE id = $2 AND started_at IS NULL`, now, id); err != nil {
			return false, err
		}
	}
	if models.IsTerminalStatus(to) {
		if _, err := tx.Exec(`UPDATE pipelines SET finished_at = $1 WHERE id = $2`, now, id); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// AppendEvent adds an entry to a pipeline's audit trail
func (s *PostgresStore) AppendEvent(ev *models.PipelineEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_events (pipeline_id, kind, detail, at)
		VALUES ($1, $2, $3, $4)
	`, ev.PipelineID, ev.Kind, ev.Detail, at)
	return err
}

// ListEvents returns a pipeline's audit trail, newest first
func (s *PostgresStore) ListEvents(pipelineID string, limit int) ([]*models.PipelineEvent, error) {
	query := `
		SELECT id, pipeline_id, kind, detail, at
		FROM pipeline_events WHERE pipeline_id = $1 ORDER BY id DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT $2`, pipelineID, limit)
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
func (s *PostgresStore) Metrics() (*Metrics, error) {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
