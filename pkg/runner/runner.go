// Package runner implements the pipeline watchdog: a dedicated goroutine
// per supervised pipeline that waits for a start signal, drives the
// pipeline to the playing state, detects stalls, drains bus events, and
// broadcasts a single termination reason when the pipeline's life ends.
package runner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/pipewatch/pkg/broadcast"
	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/metrics"
	"github.com/psantana5/pipewatch/pkg/pipeline"
)

const (
	// pollInterval paces every watcher wait: the idle sleep between
	// iterations, the bus drain window, and the state confirmation polls.
	pollInterval = 100 * time.Millisecond

	// stateWaitRetries bounds one drive-to-playing confirmation before the
	// attempt is abandoned and retried from the outer loop.
	stateWaitRetries = 5

	// maxStalledPolls debounces stall detection. Some sources emit a
	// duplicated timestamp when starting; only this many consecutive
	// unchanged readings count as a stall.
	maxStalledPolls = 15
)

// Termination reasons the watcher itself broadcasts on the killswitch.
const (
	ReasonNormal    = "normal ending"
	ReasonDestroyed = "pipeline runner destroyed"
)

// Runner supervises one externally-owned pipeline from a dedicated
// watcher goroutine. The runner never owns the pipeline: it holds a
// non-owning reference that may stop resolving at any time.
type Runner struct {
	ref      *pipeline.Ref
	id       string
	start    *broadcast.Channel
	kill     *broadcast.Channel
	retained *broadcast.Receiver
	done     chan struct{}
	log      *logging.Logger

	// finalReason is written by the watcher before done is closed and
	// must only be read after done is observed closed.
	finalReason string

	stalls   atomic.Uint64
	restarts atomic.Uint64

	closeOnce sync.Once
}

// New spawns the watcher goroutine for the referenced pipeline and
// returns immediately; monitoring begins only once Start is called. The
// id is used for log correlation. allowBlock disables the stall
// heuristic for pipelines whose position legitimately stands still.
// Construction fails when the reference cannot be resolved.
func New(ref *pipeline.Ref, id string, allowBlock bool, log *logging.Logger) (*Runner, error) {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	if ref == nil {
		return nil, errors.New("runner: nil pipeline reference")
	}
	if _, ok := ref.Resolve(); !ok {
		return nil, fmt.Errorf("runner: pipeline %s is not resolvable", id)
	}

	r := &Runner{
		ref:   ref,
		id:    id,
		start: broadcast.New(),
		kill:  broadcast.New(),
		done:  make(chan struct{}),
		log:   log.WithField("pipeline", id),
	}

	// The retained subscription keeps the watcher's final broadcast
	// deliverable even when nobody else ever subscribed.
	r.retained = r.kill.Subscribe()

	killRecv := r.kill.Subscribe()
	startRecv := r.start.Subscribe()

	metrics.RunnersActive.Inc()
	go r.run(killRecv, startRecv, allowBlock)

	return r, nil
}

// Start signals the watcher to begin monitoring. Calling it again is
// harmless; only the first receipt matters. It fails once the watcher
// goroutine has already exited.
func (r *Runner) Start() error {
	if err := r.start.Send(""); err != nil {
		return fmt.Errorf("failed sending start signal: %w", err)
	}
	return nil
}

// Subscribe returns a new receiver on the killswitch broadcast. Every
// subscriber observes future termination reasons independently;
// subscribers registered after a broadcast miss it.
func (r *Runner) Subscribe() *broadcast.Receiver {
	return r.kill.Subscribe()
}

// Kill requests termination from outside. Any reason ends monitoring;
// the watcher observes it within about one poll interval.
func (r *Runner) Kill(reason string) error {
	return r.kill.Send(reason)
}

// IsRunning reports whether the watcher goroutine is still alive
func (r *Runner) IsRunning() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Done returns a channel that is closed once the watcher goroutine has
// exited and the termination reason has been broadcast.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Counters reports how many stalls the watcher has detected and how
// many monitoring restarts it has performed so far.
func (r *Runner) Counters() (stalls, restarts uint64) {
	return r.stalls.Load(), r.restarts.Load()
}

// Reason returns the watcher's termination reason. It reports false
// while the watcher is still running.
func (r *Runner) Reason() (string, bool) {
	select {
	case <-r.done:
		return r.finalReason, true
	default:
		return "", false
	}
}

// Close tears the runner down: a best-effort end-of-stream request to the
// pipeline if it still resolves, a final "destroyed" broadcast, and the
// release of the start channel so a never-started watcher wakes up and
// exits. Idempotent; failures are logged, never returned.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if p, ok := r.ref.Resolve(); ok {
			p.SendEOS()
		}

		if err := r.kill.Send(ReasonDestroyed); err != nil {
			r.log.Warn(fmt.Sprintf("Failed to send killswitch message while closing pipeline runner: %v", err))
		}

		r.retained.Cancel()
		r.start.Close()
	})
	return nil
}
