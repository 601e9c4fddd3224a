package store

import (
	"sync"
	"time"

	"github.com/psantana5/pipewatch/pkg/models"
)

// MemoryStore is an in-memory implementation of the store. Records are
// copied on the way in and out so callers never share state with it.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*models.Pipeline
	events    []*models.PipelineEvent
	nextEvent int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*models.Pipeline),
		nextEvent: 1,
	}
}

// CreatePipeline adds a pipeline record
func (s *MemoryStore) CreatePipeline(p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

// GetPipeline retrieves a pipeline by ID
func (s *MemoryStore) GetPipeline(id string) (*models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPipelines returns all pipeline records
func (s *MemoryStore) ListPipelines() ([]*models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pipelines := make([]*models.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		pipelines = append(pipelines, &cp)
	}
	return pipelines, nil
}

// ListPipelinesByStatus returns all pipelines in the given status
func (s *MemoryStore) ListPipelinesByStatus(status models.PipelineStatus) ([]*models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pipelines []*models.Pipeline
	for _, p := range s.pipelines {
		if p.Status == status {
			cp := *p
			pipelines = append(pipelines, &cp)
		}
	}
	return pipelines, nil
}

// UpdatePipelinePID records the subprocess PID of a pipeline
func (s *MemoryStore) UpdatePipelinePID(id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return ErrPipelineNotFound
	}
	p.PID = pid
	return nil
}

// UpdatePipelineCounters records the watchdog's stall and restart totals
func (s *MemoryStore) UpdatePipelineCounters(id string, stalls, restarts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return ErrPipelineNotFound
	}
	p.Stalls = stalls
	p.Restarts = restarts
	return nil
}

// DeletePipeline removes a pipeline record and its events
func (s *MemoryStore) DeletePipeline(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return ErrPipelineNotFound
	}
	delete(s.pipelines, id)

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.PipelineID != id {
			kept = append(kept, ev)
		}
	}
	s.events = kept
	return nil
}

// TransitionPipeline moves a pipeline to a new status when allowed
func (s *MemoryStore) TransitionPipeline(id string, to models.PipelineStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return false, ErrPipelineNotFound
	}
	if err := models.ValidateTransition(p.Status, to); err != nil {
		return false, nil
	}

	now := time.Now()
	p.Status = to
	if reason != "" {
		p.Reason = reason
	}
	if to == models.StatusRunning && p.StartedAt == nil {
		p.StartedAt = &now
	}
	if models.IsTerminalStatus(to) {
		p.FinishedAt = &now
	}
	return true, nil
}

// AppendEvent adds an entry to a pipeline's audit trail
func (s *MemoryStore) AppendEvent(ev *models.PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	cp.ID = s.nextEvent
	s.nextEvent++
	if cp.At.IsZero() {
		cp.At = time.Now()
	}
	s.events = append(s.events, &cp)
	return nil
}

// ListEvents returns a pipeline's audit trail, newest first
func (s *MemoryStore) ListEvents(pipelineID string, limit int) ([]*models.PipelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*models.PipelineEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].PipelineID != pipelineID {
			continue
		}
		cp := *s.events[i]
		events = append(events, &cp)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

// Metrics returns aggregated pipeline statistics
func (s *MemoryStore) Metrics() (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &Metrics{
		PipelinesByStatus: make(map[models.PipelineStatus]int),
		PipelinesByEngine: make(map[string]int),
	}
	for _, p := range s.pipelines {
		m.PipelinesByStatus[p.Status]++
		m.PipelinesByEngine[p.Definition.Engine]++
		m.TotalPipelines++
		if models.IsActiveStatus(p.Status) {
			m.ActivePipelines++
		}
	}
	return m, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}
