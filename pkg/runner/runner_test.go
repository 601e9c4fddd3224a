package runner

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/pipewatch/pkg/broadcast"
	"github.com/psantana5/pipewatch/pkg/pipeline"
)

// position is one scripted QueryPosition return
type position struct {
	d  time.Duration
	ok bool
}

// fakePipeline is a scriptable Pipeline. Positions are consumed one per
// monitoring iteration; bus events are injected through a channel. The
// empty-bus wait is shortened so tests run fast while keeping the
// bounded-wait contract.
type fakePipeline struct {
	mu            sync.Mutex
	state         pipeline.State
	playOnSet     bool
	setStateErr   error
	waitFailures  int
	positions     []position
	posIndex      int
	posDone       chan struct{}
	posDoneOnce   sync.Once
	events        chan pipeline.Event
	busWait       time.Duration
	setStateCalls []pipeline.State
	waitCalls     int
	eosCount      int
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		state:   pipeline.StateNull,
		events:  make(chan pipeline.Event, 16),
		posDone: make(chan struct{}),
		busWait: 2 * time.Millisecond,
	}
}

func (f *fakePipeline) CurrentState() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePipeline) SetState(s pipeline.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStateCalls = append(f.setStateCalls, s)
	if f.setStateErr != nil {
		return f.setStateErr
	}
	if f.playOnSet {
		f.state = s
	}
	return nil
}

func (f *fakePipeline) WaitForState(s pipeline.State, poll time.Duration, retries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	if f.waitFailures > 0 {
		f.waitFailures--
		return fmt.Errorf("state %s not reached after %d retries", s, retries)
	}
	return nil
}

func (f *fakePipeline) QueryPosition() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posIndex >= len(f.positions) {
		f.posDoneOnce.Do(func() { close(f.posDone) })
		return 0, false
	}
	p := f.positions[f.posIndex]
	f.posIndex++
	return p.d, p.ok
}

func (f *fakePipeline) BusPop(timeout time.Duration) (pipeline.Event, bool) {
	wait := f.busWait
	if wait > timeout {
		wait = timeout
	}
	select {
	case e := <-f.events:
		return e, true
	case <-time.After(wait):
		return pipeline.Event{}, false
	}
}

func (f *fakePipeline) SendEOS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eosCount++
}

func (f *fakePipeline) setStateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.setStateCalls)
}

func (f *fakePipeline) eosSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eosCount
}

// waitStopped polls IsRunning until it reports false or the deadline passes
func waitStopped(r *Runner, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !r.IsRunning() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return !r.IsRunning()
}

func TestRunnerEndOfStream(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-eos", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fake.events <- pipeline.Event{Type: pipeline.EventEOS}

	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop after end of stream")
	}

	reason, err := sub.Recv(time.Second)
	if err != nil {
		t.Fatalf("Subscriber should observe a termination reason, got %v", err)
	}
	if reason != ReasonNormal {
		t.Errorf("End of stream should end the watcher without error, got reason %q", reason)
	}

	if got := fake.setStateCount(); got != 1 {
		t.Errorf("Expected exactly one drive to playing, got %d", got)
	}
}

func TestRunnerEOSQueuedBeforeStart(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-eos-early", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	// EOS is pending before monitoring ever begins; the first drain
	// after Start must pick it up.
	fake.events <- pipeline.Event{Type: pipeline.EventEOS}

	time.Sleep(250 * time.Millisecond)
	if !r.IsRunning() {
		t.Fatal("Watcher should idle in the start-gated phase")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop once the queued EOS is drained")
	}

	if reason, err := sub.Recv(time.Second); err != nil || reason != ReasonNormal {
		t.Errorf("Expected reason %q, got %q (%v)", ReasonNormal, reason, err)
	}
}

func TestRunnerExternalKill(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-kill", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Let the watcher settle into monitoring
	time.Sleep(250 * time.Millisecond)

	if err := r.Kill("operator requested stop"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	// The kill must be observed within about one poll interval
	if !waitStopped(r, 200*time.Millisecond) {
		t.Fatal("Watcher should stop within one poll interval of a kill")
	}

	reason, err := sub.Recv(time.Second)
	if err != nil {
		t.Fatalf("Subscriber should observe the kill reason, got %v", err)
	}
	if reason != "operator requested stop" {
		t.Errorf("First observed reason should be the killer's, got %q", reason)
	}
}

func TestRunnerKillBeforeStartIsDeferred(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-kill-early", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.Kill("too early"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	// The killswitch is only checked once monitoring runs; before Start
	// the watcher keeps idling with the kill buffered.
	time.Sleep(300 * time.Millisecond)
	if !r.IsRunning() {
		t.Fatal("Watcher should not observe a kill before Start")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should consume the buffered kill after Start")
	}
}

func TestRunnerStartTwice(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-start-twice", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Errorf("Second Start should be harmless, got %v", err)
	}

	fake.events <- pipeline.Event{Type: pipeline.EventEOS}
	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop after end of stream")
	}

	// Monitoring began exactly once
	if got := fake.setStateCount(); got != 1 {
		t.Errorf("Expected one drive to playing, got %d", got)
	}

	if err := r.Start(); err == nil {
		t.Error("Start after the watcher exited should fail")
	}
}

func TestRunnerBusErrorRestartsMonitoring(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-bus-error", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	// A bus error abandons the monitoring attempt but not the watcher
	fake.events <- pipeline.Event{Type: pipeline.EventError, Detail: "internal data stream error"}
	time.Sleep(300 * time.Millisecond)
	if !r.IsRunning() {
		t.Fatal("A bus error should not end the watcher")
	}

	fake.events <- pipeline.Event{Type: pipeline.EventEOS}
	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop after end of stream")
	}

	if reason, err := sub.Recv(time.Second); err != nil || reason != ReasonNormal {
		t.Errorf("Expected reason %q, got %q (%v)", ReasonNormal, reason, err)
	}

	// Initial drive plus the re-drive after the bus error
	if got := fake.setStateCount(); got != 2 {
		t.Errorf("Expected two drives to playing, got %d", got)
	}
}

func TestRunnerObservationalEventsIgnored(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-observational", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	fake.events <- pipeline.Event{
		Type: pipeline.EventStateChanged,
		Old:  pipeline.StateReady, New: pipeline.StatePlaying, Pending: pipeline.StateNull,
	}
	fake.events <- pipeline.Event{Type: pipeline.EventOther}

	time.Sleep(300 * time.Millisecond)
	if !r.IsRunning() {
		t.Fatal("Observational events should not end the watcher")
	}
	if got := fake.setStateCount(); got != 1 {
		t.Errorf("Observational events should not restart monitoring, got %d drives", got)
	}

	fake.events <- pipeline.Event{Type: pipeline.EventEOS}
	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop after end of stream")
	}
}

func TestRunnerStateWaitFailureRetries(t *testing.T) {
	fake := newFakePipeline()
	fake.waitFailures = 2
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-wait-retry", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fake.events <- pipeline.Event{Type: pipeline.EventEOS}
	if !waitStopped(r, 3*time.Second) {
		t.Fatal("Watcher should survive transient confirmation failures")
	}

	if reason, err := sub.Recv(time.Second); err != nil || reason != ReasonNormal {
		t.Errorf("Transient startup failures should not end in error, got %q (%v)", reason, err)
	}
	// Two failed confirmations then the successful one
	if got := fake.setStateCount(); got != 3 {
		t.Errorf("Expected three drive attempts, got %d", got)
	}
}

func TestRunnerSetStateFailureIsFatal(t *testing.T) {
	fake := newFakePipeline()
	fake.setStateErr = errors.New("resource busy")
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-setstate-fatal", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !waitStopped(r, 2*time.Second) {
		t.Fatal("A failed state request should end the watcher")
	}

	reason, err := sub.Recv(time.Second)
	if err != nil {
		t.Fatalf("Subscriber should observe the failure reason, got %v", err)
	}
	if !strings.Contains(reason, "resource busy") {
		t.Errorf("Reason should carry the state request failure, got %q", reason)
	}
}

func TestRunnerReleasedRefEndsLoop(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-released", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	ref.Release()

	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should end once the pipeline reference is gone")
	}

	reason, err := sub.Recv(time.Second)
	if err != nil {
		t.Fatalf("Subscriber should observe the failure reason, got %v", err)
	}
	if !strings.Contains(reason, "weak reference") {
		t.Errorf("Reason should report the lost reference, got %q", reason)
	}
}

func TestRunnerConstructionRequiresResolvableRef(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)
	ref.Release()

	if _, err := New(ref, "test-gone", false, nil); err == nil {
		t.Error("New should fail when the reference no longer resolves")
	}

	if _, err := New(nil, "test-nil", false, nil); err == nil {
		t.Error("New should fail on a nil reference")
	}
}

func TestRunnerCloseBeforeStart(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-close-early", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	// The watcher idles while start is never signalled
	for i := 0; i < 5; i++ {
		if !r.IsRunning() {
			t.Fatal("Watcher should stay alive until Close")
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Second Close should be harmless, got %v", err)
	}

	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Closing must wake a never-started watcher")
	}

	// Exactly one reason is observed: the close broadcast. The watcher's
	// own exit broadcast is dropped at the subscriber's full buffer.
	reason, err := sub.TryRecv()
	if err != nil {
		t.Fatalf("Subscriber should hold the close reason, got %v", err)
	}
	if reason != ReasonDestroyed {
		t.Errorf("Expected reason %q, got %q", ReasonDestroyed, reason)
	}
	if _, err := sub.TryRecv(); !errors.Is(err, broadcast.ErrEmpty) {
		t.Errorf("Exactly one reason should be observed, got %v", err)
	}

	if got := fake.eosSent(); got != 1 {
		t.Errorf("Close should send end of stream to the pipeline once, got %d", got)
	}
}

func TestRunnerCloseWhileMonitoring(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	// allowBlock: this pipeline's position legitimately stands still
	r, err := New(ref, "test-close-monitoring", true, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub := r.Subscribe()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop after Close")
	}

	if reason, err := sub.Recv(time.Second); err != nil || reason != ReasonDestroyed {
		t.Errorf("Expected reason %q, got %q (%v)", ReasonDestroyed, reason, err)
	}
	if got := fake.eosSent(); got != 1 {
		t.Errorf("Close should send end of stream once, got %d", got)
	}
}

func TestRunnerSubscribeAfterExitMissesReason(t *testing.T) {
	fake := newFakePipeline()
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-late-sub", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fake.events <- pipeline.Event{Type: pipeline.EventEOS}
	if !waitStopped(r, 2*time.Second) {
		t.Fatal("Watcher should stop after end of stream")
	}

	late := r.Subscribe()
	if _, err := late.TryRecv(); !errors.Is(err, broadcast.ErrEmpty) {
		t.Errorf("A late subscriber should miss the broadcast, got %v", err)
	}
}

func TestRunnerReasonAccessor(t *testing.T) {
	fake := newFakePipeline()
	fake.playOnSet = true
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-reason", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := r.Reason(); ok {
		t.Error("Reason should not be available while the watcher runs")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if err := r.Kill("maintenance window"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Watcher should stop after a kill")
	}

	reason, ok := r.Reason()
	if !ok {
		t.Fatal("Reason should be available once the watcher stopped")
	}
	if reason != "maintenance window" {
		t.Errorf("Reason should be the killer's, got %q", reason)
	}
}

func TestRunnerReasonAfterEOS(t *testing.T) {
	fake := newFakePipeline()
	fake.playOnSet = true
	ref := pipeline.NewRef(fake)

	r, err := New(ref, "test-reason-eos", false, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fake.events <- pipeline.Event{Type: pipeline.EventEOS}

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Watcher should stop after end of stream")
	}

	if reason, ok := r.Reason(); !ok || reason != ReasonNormal {
		t.Errorf("Reason after EOS = %q ok=%v, want %q", reason, ok, ReasonNormal)
	}
}
