// Package manager owns the daemon-side registry of supervised pipelines.
// It wires a definition to a subprocess, a weak reference and a watcher,
// reaps ending reasons into the store, and mediates operator actions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/metrics"
	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/pipeline"
	"github.com/psantana5/pipewatch/pkg/procpipe"
	"github.com/psantana5/pipewatch/pkg/retry"
	"github.com/psantana5/pipewatch/pkg/runner"
	"github.com/psantana5/pipewatch/pkg/store"
)

var (
	ErrNotSupervised = errors.New("pipeline is not under supervision")
	ErrStillActive   = errors.New("pipeline is still active")
	ErrShuttingDown  = errors.New("manager is shutting down")
	ErrWaitTimeout   = errors.New("timed out waiting for the ending reason")
)

// pidWait bounds how long the manager waits for a started pipeline's
// subprocess PID before giving up on recording it.
const pidWait = 3 * time.Second

// reapRetry governs how stubbornly a reaper re-attempts the terminal
// status write.
var reapRetry = retry.Config{
	MaxRetries:     3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     time.Second,
	Multiplier:     2.0,
}

// Manager supervises the set of registered pipelines.
type Manager struct {
	store store.Store
	log   *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	wg       sync.WaitGroup
	draining atomic.Bool
}

// entry bundles everything the manager holds for one pipeline.
type entry struct {
	id         string
	allowBlock bool

	proc *procpipe.Process
	ref  *pipeline.Ref
	run  *runner.Runner

	mu            sync.Mutex
	started       bool
	killRequested bool
	killReason    string
}

// Status is the combined live and stored view of one pipeline.
type Status struct {
	Pipeline        *models.Pipeline `json:"pipeline"`
	Supervised      bool             `json:"supervised"`
	WatcherRunning  bool             `json:"watcher_running"`
	ProcessRunning  bool             `json:"process_running"`
	PositionSeconds *float64         `json:"position_seconds,omitempty"`
	Stats           *procpipe.Stats  `json:"stats,omitempty"`
}

// New creates a manager backed by the given store
func New(st store.Store, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Manager{
		store:   st,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Create registers a pipeline, launches its watcher and records it as
// pending. The subprocess itself is not launched until Start.
func (m *Manager) Create(name string, def models.Definition, allowBlock bool) (*models.Pipeline, error) {
	if m.draining.Load() {
		return nil, ErrShuttingDown
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	record := &models.Pipeline{
		ID:         id,
		Name:       name,
		Definition: def,
		AllowBlock: allowBlock,
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := m.store.CreatePipeline(record); err != nil {
		return nil, fmt.Errorf("failed to persist pipeline: %w", err)
	}

	proc := procpipe.New(def, m.log)
	ref := pipeline.NewRef(proc)
	run, err := runner.New(ref, id, allowBlock, m.log)
	if err != nil {
		ref.Release()
		m.store.TransitionPipeline(id, models.StatusFailed, err.Error())
		return nil, err
	}

	e := &entry{
		id:         id,
		allowBlock: allowBlock,
		proc:       proc,
		ref:        ref,
		run:        run,
	}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reap(e)

	m.appendEvent(id, "created", def.Engine)
	m.log.Info("Pipeline registered", map[string]interface{}{
		"pipeline_id": id,
		"name":        name,
		"engine":      def.Engine,
		"allow_block": allowBlock,
	})
	return record, nil
}

// Start signals the pipeline's watcher to begin monitoring. Starting an
// already started pipeline is a no-op.
func (m *Manager) Start(id string) error {
	e, err := m.supervised(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.run.Start(); err != nil {
		return err
	}
	if _, err := m.store.TransitionPipeline(id, models.StatusRunning, ""); err != nil {
		m.log.Error("Failed to record pipeline start", map[string]interface{}{
			"pipeline_id": id, "error": err.Error(),
		})
	}
	m.appendEvent(id, "started", "")

	// The subprocess launches on the watcher's first poll; record its PID
	// once it shows up.
	go func() {
		deadline := time.Now().Add(pidWait)
		for time.Now().Before(deadline) {
			if pid := e.proc.PID(); pid != 0 {
				if err := m.store.UpdatePipelinePID(id, pid); err != nil {
					m.log.Warn("Failed to record pipeline PID", map[string]interface{}{
						"pipeline_id": id, "error": err.Error(),
					})
				}
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return nil
}

// Kill requests termination with the given reason. Killing an already
// ended pipeline is a no-op.
func (m *Manager) Kill(id, reason string) error {
	e, err := m.supervised(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "killed by operator"
	}

	e.mu.Lock()
	e.killRequested = true
	if e.killReason == "" {
		e.killReason = reason
	}
	started := e.started
	e.mu.Unlock()

	if !e.run.IsRunning() {
		return nil
	}
	if err := e.run.Kill(reason); err != nil {
		return fmt.Errorf("failed to deliver kill: %w", err)
	}
	// A watcher that never received its start signal only checks the
	// killswitch once monitoring begins; closing the runner wakes it up.
	if !started {
		e.run.Close()
	}
	m.appendEvent(id, "kill", reason)
	return nil
}

// Pause suspends the pipeline subprocess. Only pipelines created with
// allow_block can be paused: for monitored ones the watchdog would read
// the frozen position as a stall and drive the pipeline right back to
// playing.
func (m *Manager) Pause(id string) error {
	e, err := m.supervised(id)
	if err != nil {
		return err
	}
	if !e.allowBlock {
		return fmt.Errorf("cannot pause a position-monitored pipeline; create it with allow_block")
	}
	if err := e.proc.SetState(pipeline.StatePaused); err != nil {
		return err
	}
	if _, err := m.store.TransitionPipeline(id, models.StatusPaused, ""); err != nil {
		m.log.Error("Failed to record pipeline pause", map[string]interface{}{
			"pipeline_id": id, "error": err.Error(),
		})
	}
	m.appendEvent(id, "paused", "")
	return nil
}

// Resume returns a paused pipeline subprocess to playing.
func (m *Manager) Resume(id string) error {
	e, err := m.supervised(id)
	if err != nil {
		return err
	}
	if err := e.proc.SetState(pipeline.StatePlaying); err != nil {
		return err
	}
	if _, err := m.store.TransitionPipeline(id, models.StatusRunning, ""); err != nil {
		m.log.Error("Failed to record pipeline resume", map[string]interface{}{
			"pipeline_id": id, "error": err.Error(),
		})
	}
	m.appendEvent(id, "resumed", "")
	return nil
}

// Get returns the combined stored and live status of a pipeline.
func (m *Manager) Get(id string) (*Status, error) {
	record, err := m.store.GetPipeline(id)
	if err != nil {
		return nil, err
	}

	status := &Status{Pipeline: record}
	if e := m.entry(id); e != nil {
		status.Supervised = true
		status.WatcherRunning = e.run.IsRunning()
		status.ProcessRunning = e.proc.Running()
		stalls, restarts := e.run.Counters()
		record.Stalls, record.Restarts = int(stalls), int(restarts)
		if pos, ok := e.proc.QueryPosition(); ok {
			seconds := pos.Seconds()
			status.PositionSeconds = &seconds
		}
		if stats, err := e.proc.Stats(); err == nil {
			status.Stats = &stats
		}
	}
	return status, nil
}

// List returns all pipeline records.
func (m *Manager) List() ([]*models.Pipeline, error) {
	return m.store.ListPipelines()
}

// Events returns a pipeline's audit trail, newest first.
func (m *Manager) Events(id string, limit int) ([]*models.PipelineEvent, error) {
	if _, err := m.store.GetPipeline(id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(id, limit)
}

// WaitForReason blocks until the pipeline's ending reason is known, up
// to the given timeout. For already ended pipelines it returns the
// recorded reason immediately.
func (m *Manager) WaitForReason(id string, timeout time.Duration) (string, error) {
	e := m.entry(id)
	if e == nil {
		record, err := m.store.GetPipeline(id)
		if err != nil {
			return "", err
		}
		if models.IsTerminalStatus(record.Status) {
			return record.Reason, nil
		}
		return "", ErrNotSupervised
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.run.Done():
	case <-timer.C:
		return "", ErrWaitTimeout
	}

	// Give the reaper a moment to record the ending, then fall back to
	// the watcher's own view.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		record, err := m.store.GetPipeline(id)
		if err == nil && models.IsTerminalStatus(record.Status) {
			return record.Reason, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	if reason, ok := e.run.Reason(); ok {
		return reason, nil
	}
	return "", fmt.Errorf("pipeline ended but no reason was recorded")
}

// Remove deletes an ended pipeline's record, audit trail and metrics.
func (m *Manager) Remove(id string) error {
	record, err := m.store.GetPipeline(id)
	if err != nil {
		return err
	}
	if models.IsActiveStatus(record.Status) {
		return ErrStillActive
	}
	if e := m.entry(id); e != nil && e.run.IsRunning() {
		return ErrStillActive
	}

	if err := m.store.DeletePipeline(id); err != nil {
		return err
	}
	metrics.ForgetPipeline(id)

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	m.log.Info("Pipeline removed", map[string]interface{}{"pipeline_id": id})
	return nil
}

// Recover marks pipelines that were active when the daemon last stopped
// as failed. Called once at boot, before any pipeline is registered.
func (m *Manager) Recover() error {
	orphaned := 0
	for _, status := range []models.PipelineStatus{models.StatusPending, models.StatusRunning, models.StatusPaused} {
		records, err := m.store.ListPipelinesByStatus(status)
		if err != nil {
			return fmt.Errorf("failed to list %s pipelines: %w", status, err)
		}
		for _, record := range records {
			if m.entry(record.ID) != nil {
				continue
			}
			if _, err := m.store.TransitionPipeline(record.ID, models.StatusFailed, "orphaned by daemon restart"); err != nil {
				m.log.Error("Failed to mark orphaned pipeline", map[string]interface{}{
					"pipeline_id": record.ID, "error": err.Error(),
				})
				continue
			}
			m.appendEvent(record.ID, "reason", "orphaned by daemon restart")
			orphaned++
		}
	}
	if orphaned > 0 {
		m.log.Warn("Recovered orphaned pipelines", map[string]interface{}{"count": orphaned})
	}
	return nil
}

// Shutdown kills every active pipeline and waits for all reapers to
// finish recording, or until the context is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)

	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Kill(id, "daemon shutting down"); err != nil && !errors.Is(err, ErrNotSupervised) {
			m.log.Warn("Failed to kill pipeline during shutdown", map[string]interface{}{
				"pipeline_id": id, "error": err.Error(),
			})
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// entry returns the live entry for a pipeline, or nil.
func (m *Manager) entry(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// supervised resolves an id to its live entry, distinguishing unknown
// pipelines from known but unsupervised ones.
func (m *Manager) supervised(id string) (*entry, error) {
	if e := m.entry(id); e != nil {
		return e, nil
	}
	if _, err := m.store.GetPipeline(id); err != nil {
		return nil, err
	}
	return nil, ErrNotSupervised
}

// appendEvent records an audit entry, logging instead of failing.
func (m *Manager) appendEvent(id, kind, detail string) {
	ev := &models.PipelineEvent{PipelineID: id, Kind: kind, Detail: detail, At: time.Now()}
	if err := m.store.AppendEvent(ev); err != nil {
		m.log.Warn("Failed to append pipeline event", map[string]interface{}{
			"pipeline_id": id, "kind": kind, "error": err.Error(),
		})
	}
}

// reap waits for the watcher to end, classifies the outcome and records
// it. Runs once per pipeline on its own goroutine.
func (m *Manager) reap(e *entry) {
	defer m.wg.Done()
	<-e.run.Done()

	reason, _ := e.run.Reason()
	e.mu.Lock()
	killed := e.killRequested
	if killed && e.killReason != "" {
		reason = e.killReason
	}
	e.mu.Unlock()

	status := models.StatusFailed
	outcome := "failed"
	switch {
	case killed || reason == runner.ReasonDestroyed:
		status, outcome = models.StatusKilled, "killed"
	case reason == runner.ReasonNormal:
		status, outcome = models.StatusCompleted, "completed"
	}

	if stalls, restarts := e.run.Counters(); stalls > 0 || restarts > 0 {
		if err := m.store.UpdatePipelineCounters(e.id, int(stalls), int(restarts)); err != nil {
			m.log.Warn("Failed to record pipeline counters", map[string]interface{}{
				"pipeline_id": e.id, "error": err.Error(),
			})
		}
	}
	// The ending reason must not be lost to a transiently locked store.
	recordEnding := func() error {
		_, err := m.store.TransitionPipeline(e.id, status, reason)
		return err
	}
	if err := retry.Do(context.Background(), reapRetry, recordEnding); err != nil {
		m.log.Error("Failed to record pipeline ending", map[string]interface{}{
			"pipeline_id": e.id, "error": err.Error(),
		})
	}
	m.appendEvent(e.id, "reason", reason)
	metrics.TerminationsTotal.WithLabelValues(outcome).Inc()

	// Tear the collaborators down: drop the reference first so closing
	// the runner does not send EOS to a process we are about to kill.
	e.ref.Release()
	if err := e.proc.Close(); err != nil {
		m.log.Warn("Failed to close pipeline process", map[string]interface{}{
			"pipeline_id": e.id, "error": err.Error(),
		})
	}
	e.run.Close()

	m.log.Info("Pipeline supervision ended", map[string]interface{}{
		"pipeline_id": e.id,
		"status":      string(status),
		"reason":      reason,
	})
}
