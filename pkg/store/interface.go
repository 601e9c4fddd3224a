package store

import (
	"errors"
	"time"

	"github.com/psantana5/pipewatch/pkg/models"
)

var (
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store persists pipeline records and their audit trail. Memory, SQLite
// and PostgreSQL implement this interface.
type Store interface {
	// Pipeline operations
	CreatePipeline(p *models.Pipeline) error
	GetPipeline(id string) (*models.Pipeline, error)
	ListPipelines() ([]*models.Pipeline, error)
	ListPipelinesByStatus(status models.PipelineStatus) ([]*models.Pipeline, error)
	UpdatePipelinePID(id string, pid int) error
	UpdatePipelineCounters(id string, stalls, restarts int) error
	DeletePipeline(id string) error

	// TransitionPipeline atomically moves a pipeline to a new status when
	// the transition is allowed from its current status. It returns false
	// without an error when the transition is not allowed, so callers can
	// treat stale updates as no-ops.
	TransitionPipeline(id string, to models.PipelineStatus, reason string) (bool, error)

	// Audit trail
	AppendEvent(ev *models.PipelineEvent) error
	ListEvents(pipelineID string, limit int) ([]*models.PipelineEvent, error)

	// Metrics returns aggregated counts for the metrics endpoint.
	Metrics() (*Metrics, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Metrics contains aggregated pipeline statistics.
type Metrics struct {
	PipelinesByStatus map[models.PipelineStatus]int
	PipelinesByEngine map[string]int
	ActivePipelines   int
	TotalPipelines    int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration. The in-memory store is
// the default so the daemon runs without any database setup.
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "pipewatch.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
