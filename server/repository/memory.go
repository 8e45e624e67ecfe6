package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
)

// Compile-time assertion that Memory implements Repository.
var _ Repository = (*Memory)(nil)

// Memory is an in-memory Repository. A message's id is its index in the
// backing slice. When a snapshot path is set, the whole store is rewritten
// to that file after every change and loaded back on open.
type Memory struct {
	mu       sync.RWMutex
	messages []*message.Message
	devices  map[protocol.DeviceID]message.Device
	path     string
	clock    *clock.Clock
	closed   bool
}

// NewMemory creates an empty repository without persistence. If clk is nil
// the system clock is used.
func NewMemory(clk *clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		devices: make(map[protocol.DeviceID]message.Device),
		clock:   clk,
	}
}

// OpenMemory creates a repository persisted to a JSON snapshot at path. A
// missing file starts an empty store.
func OpenMemory(path string, clk *clock.Clock) (*Memory, error) {
	m := NewMemory(clk)
	m.path = path
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if err := m.restore(snap); err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", path, err)
	}
	return m, nil
}

// NextMessage implements Repository.
func (m *Memory) NextMessage(_ context.Context, device protocol.DeviceID, after protocol.NullMessageID) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var cursor *message.Message
	if after.Valid && int(after.ID) < len(m.messages) {
		cursor = m.messages[after.ID]
	}

	var best *message.Message
	for _, msg := range m.messages {
		if msg.Meta.ReceiverID != device {
			continue
		}
		if cursor != nil && !orderedAfter(msg, cursor) {
			continue
		}
		if best == nil || orderedAfter(best, msg) {
			best = msg
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneMessage(best), nil
}

// AddMessage implements Repository.
func (m *Memory) AddMessage(_ context.Context, in message.Insert) (protocol.MessageID, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if uint64(len(m.messages)) >= maxMessages {
		return 0, ErrFull
	}

	created := m.clock.NowUnique().Round(0)
	if n := len(m.messages); n > 0 && !created.After(m.messages[n-1].CreatedAt) {
		created = m.messages[n-1].CreatedAt.Add(time.Nanosecond)
	}
	msg := &message.Message{
		ID:        protocol.MessageID(len(m.messages)),
		Meta:      in.Meta,
		Sender:    in.Sender,
		CreatedAt: created,
		Content:   in.Content,
	}
	msg = cloneMessage(msg)
	m.messages = append(m.messages, msg)
	if err := m.persistLocked(); err != nil {
		m.messages = m.messages[:len(m.messages)-1]
		return 0, err
	}
	return msg.ID, nil
}

// Message implements Repository.
func (m *Memory) Message(_ context.Context, id protocol.MessageID) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if int(id) >= len(m.messages) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneMessage(m.messages[id]), nil
}

// AddDevice implements Repository.
func (m *Memory) AddDevice(_ context.Context, d message.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prev, existed := m.devices[d.ID]
	if existed {
		d.AddedAt = prev.AddedAt
	} else if d.AddedAt.IsZero() {
		d.AddedAt = m.clock.Now()
	}
	m.devices[d.ID] = d
	if err := m.persistLocked(); err != nil {
		if existed {
			m.devices[d.ID] = prev
		} else {
			delete(m.devices, d.ID)
		}
		return err
	}
	return nil
}

// Devices implements Repository.
func (m *Memory) Devices(_ context.Context) ([]message.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]message.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b message.Device) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Count returns the number of stored messages.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// Close marks the repository closed. The snapshot is already current.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type snapshot struct {
	Messages []snapshotMessage `json:"messages"`
	Devices  []snapshotDevice  `json:"devices"`
}

type snapshotMessage struct {
	ID              uint32    `json:"id"`
	ReceiverID      string    `json:"receiver_id"`
	LifetimeSeconds uint32    `json:"lifetime_seconds"`
	Sender          string    `json:"sender"`
	CreatedAt       time.Time `json:"created_at"`
	Kind            string    `json:"kind"`
	Text            string    `json:"text,omitempty"`
	Image           []byte    `json:"image,omitempty"`
}

type snapshotDevice struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// persistLocked writes the snapshot through a temporary file so a crash
// never leaves a half-written store. Must be called with m.mu held.
func (m *Memory) persistLocked() error {
	if m.path == "" {
		return nil
	}
	snap := snapshot{
		Messages: make([]snapshotMessage, 0, len(m.messages)),
		Devices:  make([]snapshotDevice, 0, len(m.devices)),
	}
	for _, msg := range m.messages {
		snap.Messages = append(snap.Messages, snapshotMessage{
			ID:              uint32(msg.ID),
			ReceiverID:      msg.Meta.ReceiverID.String(),
			LifetimeSeconds: uint32(msg.Meta.Lifetime / time.Second),
			Sender:          string(msg.Sender),
			CreatedAt:       msg.CreatedAt,
			Kind:            msg.Content.Kind.String(),
			Text:            msg.Content.Text,
			Image:           msg.Content.Image,
		})
	}
	for _, d := range m.devices {
		snap.Devices = append(snap.Devices, snapshotDevice{
			ID:      d.ID.String(),
			Name:    d.Name,
			AddedAt: d.AddedAt,
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (m *Memory) restore(snap snapshot) error {
	for i, sm := range snap.Messages {
		if int(sm.ID) != i {
			return fmt.Errorf("message %d stored with id %d", i, sm.ID)
		}
		receiver, err := protocol.ParseDeviceID(sm.ReceiverID)
		if err != nil {
			return err
		}
		sender, err := message.ParseSender(sm.Sender)
		if err != nil {
			return err
		}
		content, err := contentFromStored(sm.Kind, sm.Text, sm.Image)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		m.messages = append(m.messages, &message.Message{
			ID:        protocol.MessageID(sm.ID),
			Meta:      message.Meta{ReceiverID: receiver, Lifetime: time.Duration(sm.LifetimeSeconds) * time.Second},
			Sender:    sender,
			CreatedAt: sm.CreatedAt,
			Content:   content,
		})
	}
	for _, sd := range snap.Devices {
		id, err := protocol.ParseDeviceID(sd.ID)
		if err != nil {
			return err
		}
		m.devices[id] = message.Device{ID: id, Name: sd.Name, AddedAt: sd.AddedAt}
	}
	return nil
}

// contentFromStored rebuilds content from its stored kind name.
func contentFromStored(kind, text string, image []byte) (message.Content, error) {
	switch kind {
	case protocol.KindText.String():
		return message.NewText(text)
	case protocol.KindImage.String():
		return message.NewImage(image)
	default:
		return message.Content{}, fmt.Errorf("unknown content kind %q", kind)
	}
}
