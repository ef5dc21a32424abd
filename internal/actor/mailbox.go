// Package actor holds the small set of primitives the backend's components
// are built from: a bounded mailbox with a liveness check, request/reply on
// top of it, and offloading of blocking work.
//
// Every component owns its state and runs a single goroutine that drains its
// mailbox. Other components reach it only through Send or Ask, which report
// ErrUnavailable once the component has stopped instead of blocking forever.
package actor

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the mailbox size used by every component.
const DefaultCapacity = 8

// ErrUnavailable is returned when the receiving component is closed or has stopped.
var ErrUnavailable = errors.New("actor unavailable")

// Mailbox is a bounded FIFO queue with a single consumer.
type Mailbox[T any] struct {
	ch      chan T
	closing chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewMailbox creates a mailbox holding at most capacity pending messages.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox[T]{
		ch:      make(chan T, capacity),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Send enqueues msg, blocking while the mailbox is full.
func (m *Mailbox[T]) Send(ctx context.Context, msg T) error {
	select {
	case <-m.closing:
		return ErrUnavailable
	case <-m.stopped:
		return ErrUnavailable
	default:
	}

	select {
	case m.ch <- msg:
		return nil
	case <-m.closing:
		return ErrUnavailable
	case <-m.stopped:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive is the consumer side of the mailbox.
func (m *Mailbox[T]) Receive() <-chan T {
	return m.ch
}

// Close stops accepting new messages. The consumer sees Closing fire, drains
// whatever is still queued and exits.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() { close(m.closing) })
}

// Closing is closed once Close has been called.
func (m *Mailbox[T]) Closing() <-chan struct{} {
	return m.closing
}

// Stop marks the consumer as gone. Called by the consumer goroutine on exit.
func (m *Mailbox[T]) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Stopped is closed after the consumer has exited.
func (m *Mailbox[T]) Stopped() <-chan struct{} {
	return m.stopped
}

// Alive reports whether messages can still be delivered.
func (m *Mailbox[T]) Alive() bool {
	select {
	case <-m.closing:
		return false
	case <-m.stopped:
		return false
	default:
		return true
	}
}

// Drain hands every message still queued to fn without blocking.
func (m *Mailbox[T]) Drain(fn func(T)) {
	for {
		select {
		case msg := <-m.ch:
			fn(msg)
		default:
			return
		}
	}
}
