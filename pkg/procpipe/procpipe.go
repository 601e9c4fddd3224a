// Package procpipe runs a media pipeline as a supervised subprocess and
// exposes it through the pipeline interface. The process is placed in its
// own process group so pause, resume and end-of-stream signals reach the
// whole pipeline tree and not just the direct child.
package procpipe

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/pipeline"
)

const eventBufferSize = 32

// BuildCommand resolves a definition into an executable name and argument
// list. ffmpeg gets -progress on stdout so positions can be tracked, and
// gst-launch gets -e so an interrupt forces EOS instead of tearing the
// pipeline down mid-buffer. The exec engine passes its arguments verbatim.
func BuildCommand(def models.Definition) (string, []string, error) {
	if err := def.Validate(); err != nil {
		return "", nil, err
	}
	switch def.Engine {
	case models.EngineFFmpeg:
		binary := def.Binary
		if binary == "" {
			binary = "ffmpeg"
		}
		args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-progress", "pipe:1"}
		args = append(args, def.Args...)
		return binary, args, nil
	case models.EngineGStreamer:
		binary := def.Binary
		if binary == "" {
			binary = "gst-launch-1.0"
		}
		args := []string{"-e"}
		args = append(args, def.Args...)
		return binary, args, nil
	default:
		return def.Binary, def.Args, nil
	}
}

// Process is a pipeline backed by a subprocess. It implements
// pipeline.Pipeline. The zero value is not usable, use New.
type Process struct {
	def models.Definition
	log *logging.Logger

	mu      sync.Mutex
	state   pipeline.State
	cmd     *exec.Cmd
	pgid    int
	started bool
	exited  bool
	eosSent bool

	position    time.Duration
	hasPosition bool
	sawEnd      bool
	lastErrLine string

	events  chan pipeline.Event
	dropped atomic.Int64

	stdoutDone chan struct{}
	stderrDone chan struct{}
	waitDone   chan struct{}
}

// New creates a process pipeline for the given definition. The subprocess
// is not launched until the pipeline is set to the playing state.
func New(def models.Definition, log *logging.Logger) *Process {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Process{
		def:      def,
		log:      log,
		state:    pipeline.StateNull,
		events:   make(chan pipeline.Event, eventBufferSize),
		waitDone: make(chan struct{}),
	}
}

// CurrentState returns the pipeline's current state.
func (p *Process) CurrentState() pipeline.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState drives the pipeline toward the target state. Reaching playing
// launches the subprocess on first use and resumes a paused process group
// afterwards. Null terminates the process group.
func (p *Process) SetState(target pipeline.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == target {
		return nil
	}

	switch target {
	case pipeline.StateReady:
		if p.started && !p.exited {
			return fmt.Errorf("cannot return a running pipeline to ready state")
		}
		p.transitionLocked(target)
		return nil
	case pipeline.StatePlaying:
		if p.exited {
			return fmt.Errorf("pipeline process has already exited")
		}
		if !p.started {
			if err := p.launchLocked(); err != nil {
				return err
			}
			p.transitionLocked(target)
			return nil
		}
		if err := p.signalLocked(syscall.SIGCONT); err != nil {
			return fmt.Errorf("failed resuming pipeline process: %w", err)
		}
		p.transitionLocked(target)
		return nil
	case pipeline.StatePaused:
		if !p.started || p.exited {
			return fmt.Errorf("cannot pause a pipeline that is not running")
		}
		if err := p.signalLocked(syscall.SIGSTOP); err != nil {
			return fmt.Errorf("failed pausing pipeline process: %w", err)
		}
		p.transitionLocked(target)
		return nil
	case pipeline.StateNull:
		if p.started && !p.exited {
			// SIGCONT first so a stopped group can observe the kill.
			p.signalLocked(syscall.SIGCONT)
			if err := p.signalLocked(syscall.SIGKILL); err != nil {
				return fmt.Errorf("failed terminating pipeline process: %w", err)
			}
		}
		p.transitionLocked(target)
		return nil
	default:
		return fmt.Errorf("unknown pipeline state %q", target)
	}
}

// WaitForState polls for the target state, sleeping interval between
// checks, for at most retries checks after the first.
func (p *Process) WaitForState(target pipeline.State, interval time.Duration, retries int) error {
	for i := 0; i <= retries; i++ {
		if p.CurrentState() == target {
			return nil
		}
		if i < retries {
			time.Sleep(interval)
		}
	}
	return fmt.Errorf("pipeline did not reach %s state after %d checks", target, retries+1)
}

// QueryPosition reports the last stream position parsed from the
// subprocess's progress output. It reports false until the first progress
// record arrives, and always for engines that emit none.
func (p *Process) QueryPosition() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasPosition {
		return 0, false
	}
	return p.position, true
}

// BusPop returns the next queued pipeline event, waiting up to timeout for
// one to arrive. A zero or negative timeout polls without blocking.
func (p *Process) BusPop(timeout time.Duration) (pipeline.Event, bool) {
	if timeout <= 0 {
		select {
		case ev := <-p.events:
			return ev, true
		default:
			return pipeline.Event{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-p.events:
		return ev, true
	case <-timer.C:
		return pipeline.Event{}, false
	}
}

// SendEOS asks the pipeline to finish gracefully by interrupting the
// process group. ffmpeg flushes and closes its outputs on SIGINT, and
// gst-launch -e turns it into a forced EOS.
func (p *Process) SendEOS() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.exited {
		return
	}
	p.eosSent = true
	if err := p.signalLocked(syscall.SIGINT); err != nil {
		p.log.Warn("Failed sending EOS interrupt to pipeline process", map[string]interface{}{
			"pid":   p.pgid,
			"error": err.Error(),
		})
	}
}

// PID returns the subprocess PID, or zero before launch.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Running reports whether the subprocess has been launched and not yet
// exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.exited
}

// Close terminates the subprocess if it is still alive and waits for it to
// be reaped. Safe to call more than once.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.started && !p.exited {
		p.signalLocked(syscall.SIGCONT)
		p.signalLocked(syscall.SIGKILL)
	}
	started := p.started
	p.mu.Unlock()

	if started {
		<-p.waitDone
	}
	return nil
}

// launchLocked starts the subprocess. Caller holds p.mu.
func (p *Process) launchLocked() error {
	binary, args, err := BuildCommand(p.def)
	if err != nil {
		return err
	}

	cmd := exec.Command(binary, args...)
	// Own process group so signals reach every child the engine forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed starting pipeline process: %w", err)
	}

	p.cmd = cmd
	p.pgid = cmd.Process.Pid
	p.started = true
	p.stdoutDone = make(chan struct{})
	p.stderrDone = make(chan struct{})

	p.log.Info("Pipeline process started", map[string]interface{}{
		"engine": p.def.Engine,
		"binary": binary,
		"pid":    cmd.Process.Pid,
	})

	go p.scanStdout(stdout)
	go p.scanStderr(stderr)
	go p.waitForExit()
	return nil
}

// signalLocked signals the whole process group. Caller holds p.mu.
func (p *Process) signalLocked(sig syscall.Signal) error {
	if p.pgid == 0 {
		return fmt.Errorf("pipeline process not started")
	}
	return syscall.Kill(-p.pgid, sig)
}

// transitionLocked records a state change and queues the matching bus
// event. Caller holds p.mu.
func (p *Process) transitionLocked(target pipeline.State) {
	old := p.state
	p.state = target
	p.emit(pipeline.Event{Type: pipeline.EventStateChanged, Old: old, New: target})
}

// emit queues a bus event without blocking. Events beyond the buffer are
// dropped and counted, matching a bounded bus.
func (p *Process) emit(ev pipeline.Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// scanStdout consumes the subprocess's stdout. ffmpeg and exec engines are
// scanned for progress records, everything else is logged at debug.
func (p *Process) scanStdout(r io.Reader) {
	defer close(p.stdoutDone)
	scanner := bufio.NewScanner(r)
	parse := p.def.Engine == models.EngineFFmpeg || p.def.Engine == models.EngineExec
	for scanner.Scan() {
		line := scanner.Text()
		if !parse {
			p.log.Debug("Pipeline stdout", map[string]interface{}{"line": line})
			continue
		}
		update := parseProgressLine(line)
		if !update.hasPosition && !update.end {
			continue
		}
		p.mu.Lock()
		if update.hasPosition {
			p.position = update.position
			p.hasPosition = true
		}
		if update.end {
			p.sawEnd = true
		}
		p.mu.Unlock()
	}
}

// scanStderr consumes the subprocess's stderr. ffmpeg at -loglevel error
// only prints failures, so its lines become bus errors. gst-launch mixes
// warnings in, so only its ERROR lines do.
func (p *Process) scanStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.lastErrLine = line
		p.mu.Unlock()

		switch p.def.Engine {
		case models.EngineFFmpeg:
			p.emit(pipeline.Event{Type: pipeline.EventError, Detail: line})
		case models.EngineGStreamer:
			if strings.HasPrefix(line, "ERROR") {
				p.emit(pipeline.Event{Type: pipeline.EventError, Detail: line})
			} else {
				p.emit(pipeline.Event{Type: pipeline.EventOther, Detail: line})
			}
		default:
			p.emit(pipeline.Event{Type: pipeline.EventOther, Detail: line})
		}
		p.log.Debug("Pipeline stderr", map[string]interface{}{"line": line})
	}
}

// waitForExit reaps the subprocess and classifies the exit as an EOS or an
// error bus event. An exit after EOS was requested counts as a normal end
// even when the engine reports the interrupt as a failure.
func (p *Process) waitForExit() {
	err := p.cmd.Wait()
	// Wait closes the pipes, which unblocks the scanners. Let them finish
	// so a trailing progress=end record is counted before classification.
	<-p.stdoutDone
	<-p.stderrDone

	p.mu.Lock()
	p.exited = true
	graceful := err == nil || p.sawEnd || p.eosSent
	detail := ""
	if err != nil {
		detail = err.Error()
		if p.lastErrLine != "" {
			detail += ": " + p.lastErrLine
		}
	}
	if graceful {
		p.emit(pipeline.Event{Type: pipeline.EventEOS, Detail: detail})
	} else {
		p.emit(pipeline.Event{Type: pipeline.EventError, Detail: detail})
	}
	p.transitionLocked(pipeline.StateNull)
	p.mu.Unlock()
	dropped := p.dropped.Load()

	fields := map[string]interface{}{
		"engine":   p.def.Engine,
		"graceful": graceful,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if dropped > 0 {
		fields["dropped_events"] = dropped
	}
	p.log.Info("Pipeline process exited", fields)
	close(p.waitDone)
}
