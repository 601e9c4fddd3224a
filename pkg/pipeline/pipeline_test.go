package pipeline

import (
	"testing"
	"time"
)

// nullPipeline is the smallest possible Pipeline implementation
type nullPipeline struct{}

func (nullPipeline) CurrentState() State                          { return StateNull }
func (nullPipeline) SetState(State) error                         { return nil }
func (nullPipeline) WaitForState(State, time.Duration, int) error { return nil }
func (nullPipeline) QueryPosition() (time.Duration, bool)         { return 0, false }
func (nullPipeline) BusPop(time.Duration) (Event, bool)           { return Event{}, false }
func (nullPipeline) SendEOS()                                     {}

func TestRefResolve(t *testing.T) {
	ref := NewRef(nullPipeline{})

	p, ok := ref.Resolve()
	if !ok {
		t.Fatal("Resolve should succeed while the pipeline is attached")
	}
	if p == nil {
		t.Fatal("Resolve should return the pipeline")
	}
}

func TestRefRelease(t *testing.T) {
	ref := NewRef(nullPipeline{})

	ref.Release()
	ref.Release() // Release must be idempotent

	if _, ok := ref.Resolve(); ok {
		t.Error("Resolve should fail after Release")
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		expected  string
	}{
		{"End of stream", EventEOS, "eos"},
		{"Error", EventError, "error"},
		{"State changed", EventStateChanged, "state-changed"},
		{"Other", EventOther, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestZeroEventIsOther(t *testing.T) {
	var e Event
	if e.Type != EventOther {
		t.Errorf("Zero event should classify as other, got %v", e.Type)
	}
}
