package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/pipewatch/pkg/broadcast"
	"github.com/psantana5/pipewatch/pkg/metrics"
	"github.com/psantana5/pipewatch/pkg/pipeline"
)

// run is the watcher goroutine body. It classifies the loop outcome into
// a reason string and broadcasts it exactly once on the killswitch, so
// no error value ever crosses the goroutine boundary.
func (r *Runner) run(killRecv, startRecv *broadcast.Receiver, allowBlock bool) {
	defer close(r.done)
	defer metrics.RunnersActive.Dec()

	reason := ReasonNormal
	killReason, err := r.watch(killRecv, startRecv, allowBlock)
	if err != nil {
		r.log.Error(fmt.Sprintf("Pipeline watcher ended with error: %v", err))
		reason = err.Error()
	} else {
		r.log.Info("Pipeline watcher ended with no error")
	}

	// Any ending reason should interrupt the respective pipeline
	if err := r.kill.Send(reason); err != nil {
		r.log.Error(fmt.Sprintf("Failed to broadcast reason from pipeline watcher: %v", err))
	} else {
		r.log.Info("Termination reason sent to killswitch channel")
	}

	// Record the cause for late readers. After an external kill the
	// killer's reason is what every earlier subscriber observed, so it
	// wins over the watcher's own normal ending.
	r.finalReason = reason
	if killReason != "" {
		r.finalReason = killReason
	}
}

// watch is the supervisory state machine. It waits for the start signal,
// drives the pipeline to playing, then alternates stall checks, bus
// draining, and killswitch checks until a terminal condition. Transient
// conditions (confirmation timeouts, bus errors, stalls) loop back into
// an earlier phase instead of ending the watcher.
func (r *Runner) watch(killRecv, startRecv *broadcast.Receiver, allowBlock bool) (string, error) {
	defer killRecv.Cancel()
	defer startRecv.Cancel()

	// The first acquisition must succeed; afterwards the reference may
	// die at any moment and every later resolve handles that.
	if _, ok := r.ref.Resolve(); !ok {
		return "", errors.New("unable to access the pipeline from its weak reference")
	}

	// Some sources emit duplicated timestamps when starting. To avoid
	// restarting over and over, only a run of identical readings longer
	// than maxStalledPolls counts as a stall.
	var previousPosition time.Duration
	havePrevious := false
	stalledPolls := 0

	startReceived := false
	killReason := ""

outer:
	for {
		time.Sleep(pollInterval)

		// Wait the signal to start
		if !startReceived {
			if _, err := startRecv.TryRecv(); err != nil {
				if errors.Is(err, broadcast.ErrEmpty) {
					continue
				}
				return "", fmt.Errorf("failed receiving start signal: %w", err)
			}
			r.log.Debug(fmt.Sprintf("Start signal received for pipeline %s", r.id))
			startReceived = true
		}

		p, ok := r.ref.Resolve()
		if !ok {
			return "", errors.New("unable to access the pipeline from its weak reference")
		}

		if p.CurrentState() != pipeline.StatePlaying {
			if err := p.SetState(pipeline.StatePlaying); err != nil {
				return "", fmt.Errorf("failed setting pipeline %s to playing state: %w", r.id, err)
			}
			if err := p.WaitForState(pipeline.StatePlaying, pollInterval, stateWaitRetries); err != nil {
				r.log.Error(fmt.Sprintf("Failed setting pipeline %s to playing state: %v", r.id, err))
				continue
			}
		}

	inner:
		for {
			p, ok := r.ref.Resolve()
			if !ok {
				return "", errors.New("unable to access the pipeline from its weak reference")
			}

			// Restart the pipeline if its position does not change. This
			// happens when a source connection is lost without the
			// pipeline itself noticing.
			if !allowBlock {
				if position, ok := p.QueryPosition(); ok {
					metrics.PositionSeconds.WithLabelValues(r.id).Set(position.Seconds())
					if !havePrevious {
						previousPosition = position
						havePrevious = true
					} else {
						if previousPosition != 0 && previousPosition == position {
							stalledPolls++
							r.log.Warn(fmt.Sprintf("Position did not change %d", stalledPolls))
						} else {
							if position > previousPosition {
								metrics.PositionAdvance.Observe((position - previousPosition).Seconds())
							}
							// Back on track, erase the run of stalled polls
							stalledPolls = 0
						}

						if stalledPolls > maxStalledPolls {
							r.log.Warn(fmt.Sprintf("Pipeline lost too many timestamps (max. was %d)", maxStalledPolls))
							stalledPolls = 0
							r.stalls.Add(1)
							r.restarts.Add(1)
							metrics.StallsTotal.WithLabelValues(r.id).Inc()
							metrics.RestartsTotal.WithLabelValues(r.id, "stall").Inc()
							break inner
						}

						previousPosition = position
					}
				}
			}

			// Drain pending bus events. The bounded pop doubles as the
			// monitoring pace while the bus is quiet.
			for {
				event, ok := p.BusPop(pollInterval)
				if !ok {
					break
				}

				metrics.BusEventsTotal.WithLabelValues(r.id, event.Type.String()).Inc()

				switch event.Type {
				case pipeline.EventEOS:
					r.log.Warn(fmt.Sprintf("Received end of stream on pipeline %s", r.id))
					break outer
				case pipeline.EventError:
					r.log.Error(fmt.Sprintf("Error from pipeline %s: %s", r.id, event.Detail))
					r.restarts.Add(1)
					metrics.RestartsTotal.WithLabelValues(r.id, "bus_error").Inc()
					break inner
				case pipeline.EventStateChanged:
					r.log.Debug(fmt.Sprintf("State changed on pipeline %s: %s to %s (pending %s)",
						r.id, event.Old, event.New, event.Pending))
				default:
					r.log.Debug(fmt.Sprintf("Bus event on pipeline %s: %s", r.id, event.Type))
				}
			}

			if reason, err := killRecv.TryRecv(); err == nil {
				r.log.Debug(fmt.Sprintf("Killswitch received for pipeline %s: %s", r.id, reason))
				killReason = reason
				break outer
			} else if !errors.Is(err, broadcast.ErrEmpty) {
				return "", fmt.Errorf("failed receiving killswitch signal: %w", err)
			}
		}
	}

	return killReason, nil
}
