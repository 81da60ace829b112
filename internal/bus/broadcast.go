// Package bus provides the bounded broadcast used for topic fan-out and
// connection egress: one logical producer, any number of receiver cursors
// over a shared ring, lossy toward slow consumers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nmxmxh/channel-gateway/internal/protocol"
)

var (
	// ErrNoReceivers is returned by Send when no receiver is subscribed. Callers
	// must not treat this as fatal.
	ErrNoReceivers = errors.New("broadcast has no receivers")
	// ErrClosed is returned once the broadcast has been closed.
	ErrClosed = errors.New("broadcast closed")
	// ErrLagged marks a receiver that fell behind the ring and was skipped
	// forward. Match with errors.Is; the concrete error is a *LagError.
	ErrLagged = errors.New("receiver lagged")
)

// LagError reports how many messages a slow receiver skipped.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string { return fmt.Sprintf("receiver lagged by %d messages", e.Skipped) }
func (e *LagError) Unwrap() error { return ErrLagged }

// Broadcast is a bounded multi-subscriber ring. Any holder of the pointer may
// send; handing the pointer out is the cheap sender clone.
type Broadcast struct {
	mu        sync.Mutex
	buf       []protocol.Message
	capacity  uint64
	head      uint64 // sequence of the next slot to write
	receivers int
	closed    bool
	notify    chan struct{}
}

// New creates a broadcast with the given ring capacity.
func New(capacity int) *Broadcast {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcast{
		buf:      make([]protocol.Message, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
	}
}

// Send places msg on the ring and returns the number of subscribed receivers.
// A full ring overwrites the oldest message; slow receivers observe the gap
// as lag. Send never blocks.
func (b *Broadcast) Send(msg protocol.Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if b.receivers == 0 {
		return 0, ErrNoReceivers
	}
	b.buf[b.head%b.capacity] = msg
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
	return b.receivers, nil
}

// Subscribe registers a new receiver cursor positioned at the current head.
func (b *Broadcast) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers++
	return &Receiver{b: b, cursor: b.head}
}

// Receivers returns the current subscriber count.
func (b *Broadcast) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers
}

// Close shuts the broadcast down and wakes all blocked receivers.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Receiver is an independent cursor over the shared ring.
type Receiver struct {
	b      *Broadcast
	cursor uint64
	closed bool
}

// Recv returns the next message. It blocks until one is available, the
// context is canceled, or the broadcast is closed. A receiver that fell off
// the ring gets a *LagError and resumes at the oldest retained message.
func (r *Receiver) Recv(ctx context.Context) (protocol.Message, error) {
	for {
		r.b.mu.Lock()
		if r.closed {
			r.b.mu.Unlock()
			return protocol.Message{}, ErrClosed
		}
		oldest := uint64(0)
		if r.b.head > r.b.capacity {
			oldest = r.b.head - r.b.capacity
		}
		if r.cursor < oldest {
			skipped := oldest - r.cursor
			r.cursor = oldest
			r.b.mu.Unlock()
			return protocol.Message{}, &LagError{Skipped: skipped}
		}
		if r.cursor < r.b.head {
			msg := r.b.buf[r.cursor%r.b.capacity]
			r.cursor++
			r.b.mu.Unlock()
			return msg, nil
		}
		if r.b.closed {
			r.b.mu.Unlock()
			return protocol.Message{}, ErrClosed
		}
		notify := r.b.notify
		r.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-notify:
		}
	}
}

// Close unsubscribes the receiver. Safe to call more than once.
func (r *Receiver) Close() {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.b.receivers--
}
