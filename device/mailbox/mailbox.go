// Package mailbox provides the single-slot priority notification channel
// between the fetch activity and the display activity.
//
// Publishing never blocks and always replaces an unconsumed notification,
// so the display only ever sees the latest one. Replaced notifications are
// counted as drops.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

// Notification is priority content that preempts the normal rotation.
type Notification struct {
	Text string
	At   time.Time
}

// Mailbox is a one-slot, latest-wins notification channel. It is safe for
// one or more publishers and a single consumer.
type Mailbox struct {
	mu      sync.Mutex
	pending *Notification
	ready   chan struct{} // capacity 1, signalled on publish
	closed  bool

	totalDrops uint64
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Publish stores n, replacing any notification not yet taken. Text is cut
// to fit a text slot. Publish on a closed mailbox is a no-op.
func (m *Mailbox) Publish(n Notification) {
	n.Text = protocol.TruncateText(n.Text)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pending != nil {
		m.totalDrops++
	}
	m.pending = &n
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// TryTake returns the pending notification without waiting.
func (m *Mailbox) TryTake() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Notification{}, false
	}
	n := *m.pending
	m.pending = nil
	return n, true
}

// Wait blocks until a notification is available, timeout elapses, or ctx
// is done. ok is false on timeout, cancellation or close.
func (m *Mailbox) Wait(ctx context.Context, timeout time.Duration) (n Notification, ok bool) {
	if n, ok := m.TryTake(); ok {
		return n, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Notification{}, false
		case <-timer.C:
			return Notification{}, false
		case <-m.ready:
			if n, ok := m.TryTake(); ok {
				return n, true
			}
			if m.isClosed() {
				return Notification{}, false
			}
			// signal raced with a TryTake; keep waiting
		}
	}
}

// Close wakes a waiting consumer and drops further publishes.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Drops returns how many notifications were replaced before being taken.
func (m *Mailbox) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalDrops
}
