// Package broadcast provides a small multi-producer, multi-subscriber
// notification channel. Every subscriber observes sends independently
// through a single-slot buffer: when a subscriber has not yet consumed a
// pending value, later sends are dropped for that subscriber, so the first
// published value is the one a slow consumer sees.
package broadcast

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmpty reports that no value was pending within the wait bound.
	ErrEmpty = errors.New("broadcast: no value pending")
	// ErrClosed reports that the channel was closed and drained.
	ErrClosed = errors.New("broadcast: channel closed")
	// ErrNoReceivers reports a send with no live subscriber to deliver to.
	ErrNoReceivers = errors.New("broadcast: no receivers")
)

// Channel fans values out to all current subscribers
type Channel struct {
	mu        sync.Mutex
	receivers []*Receiver
	closed    bool
}

// Receiver is one subscription endpoint on a Channel
type Receiver struct {
	ch     chan string
	parent *Channel
	closed bool // guarded by parent.mu
}

// New creates an open broadcast channel with no subscribers
func New() *Channel {
	return &Channel{}
}

// Subscribe registers a new receiver. Only values sent after the
// subscription are observed. Subscribing to a closed channel yields a
// receiver that immediately reports ErrClosed.
func (c *Channel) Subscribe() *Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &Receiver{ch: make(chan string, 1), parent: c}
	if c.closed {
		r.closed = true
		close(r.ch)
		return r
	}
	c.receivers = append(c.receivers, r)
	return r
}

// Send delivers v to every subscriber whose buffer is free. Subscribers
// still holding an unconsumed value keep it; v is dropped for them.
func (c *Channel) Send(v string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if len(c.receivers) == 0 {
		return ErrNoReceivers
	}
	for _, r := range c.receivers {
		select {
		case r.ch <- v:
		default:
		}
	}
	return nil
}

// Close closes the channel and every live receiver. Pending values remain
// readable; after draining, receivers report ErrClosed. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, r := range c.receivers {
		if !r.closed {
			r.closed = true
			close(r.ch)
		}
	}
	c.receivers = nil
}

// TryRecv returns a pending value without blocking. ErrEmpty means no
// value is pending; ErrClosed means the channel was closed and drained.
func (r *Receiver) TryRecv() (string, error) {
	select {
	case v, ok := <-r.ch:
		if !ok {
			return "", ErrClosed
		}
		return v, nil
	default:
		return "", ErrEmpty
	}
}

// Recv waits up to timeout for a value. ErrEmpty means the wait elapsed
// with nothing pending; ErrClosed means the channel was closed and drained.
func (r *Receiver) Recv(timeout time.Duration) (string, error) {
	select {
	case v, ok := <-r.ch:
		if !ok {
			return "", ErrClosed
		}
		return v, nil
	case <-time.After(timeout):
		return "", ErrEmpty
	}
}

// Cancel withdraws the subscription. A pending value stays readable;
// afterwards the receiver reports ErrClosed. Idempotent.
func (r *Receiver) Cancel() {
	c := r.parent
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
	for i, other := range c.receivers {
		if other == r {
			c.receivers = append(c.receivers[:i], c.receivers[i+1:]...)
			break
		}
	}
}
