package device

import (
	"sync"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/device/cache"
	"github.com/kabili207/rpi-messages-go/device/display"
	"github.com/kabili207/rpi-messages-go/device/fetch"
	"github.com/kabili207/rpi-messages-go/device/mailbox"
)

var (
	_ fetch.Store    = (*Shared)(nil)
	_ display.Source = (*Shared)(nil)
)

// Shared is the state handed to both device activities: the message cache
// behind its mutex and the priority mailbox. The mutex is held for a single
// cache call at a time, never across network I/O or rendering.
type Shared struct {
	mu       sync.Mutex
	messages *cache.Cache

	Priority *mailbox.Mailbox
}

// NewShared wraps messages and priority.
func NewShared(messages *cache.Cache, priority *mailbox.Mailbox) *Shared {
	return &Shared{messages: messages, Priority: priority}
}

// StoreText implements fetch.Store.
func (s *Shared) StoreText(u protocol.Update, text []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.messages.WriteText(u, text)
	return err
}

// StoreImage implements fetch.Store.
func (s *Shared) StoreImage(u protocol.Update, image *[protocol.ImageBufferSize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages.WriteImage(u, image)
	return nil
}

// NextFrame implements display.Source.
func (s *Shared) NextFrame(lastShown time.Time, dst *cache.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.NextFrame(lastShown, dst)
}

// ActiveCount reports the number of active text and image slots.
func (s *Shared) ActiveCount() (texts, images int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.ActiveCount()
}

// Notify publishes a priority notification.
func (s *Shared) Notify(text string, at time.Time) {
	s.Priority.Publish(mailbox.Notification{Text: text, At: at})
}
