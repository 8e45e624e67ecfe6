// Package dedupe remembers recently ingested messages so redelivered
// copies are dropped.
//
// Brokers may deliver a QoS 1 publish more than once. Each message is
// identified by an 8-byte BLAKE2b hash of its topic and body, kept in a
// fixed circular buffer. Once the buffer is full the oldest hash is
// forgotten.
package dedupe

import (
	"bytes"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultCapacity is the default number of remembered hashes.
	DefaultCapacity = 128
	// HashSize is the truncated hash size.
	HashSize = 8
)

// Deduplicator tracks recently seen messages. It is safe for concurrent
// use.
type Deduplicator struct {
	mu       sync.Mutex
	hashes   []byte // circular buffer of HashSize-byte hashes
	capacity int
	next     int
	filled   int
}

// New creates a Deduplicator with DefaultCapacity.
func New() *Deduplicator {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Deduplicator remembering up to capacity
// messages. A non-positive capacity uses DefaultCapacity.
func NewWithCapacity(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduplicator{
		hashes:   make([]byte, capacity*HashSize),
		capacity: capacity,
	}
}

// HasSeen reports whether the message was seen before. A new message is
// recorded and false is returned.
func (d *Deduplicator) HasSeen(topic string, body []byte) bool {
	hash := Hash(topic, body)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.contains(hash) {
		return true
	}
	d.record(hash)
	return false
}

// Seen reports whether the message was recorded before without recording
// it. Pair with Mark once the message has been handled.
func (d *Deduplicator) Seen(topic string, body []byte) bool {
	hash := Hash(topic, body)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contains(hash)
}

// Mark records the message as seen. Marking a message already remembered
// is a no-op.
func (d *Deduplicator) Mark(topic string, body []byte) {
	hash := Hash(topic, body)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.contains(hash) {
		d.record(hash)
	}
}

func (d *Deduplicator) contains(hash [HashSize]byte) bool {
	for i := range d.filled {
		offset := i * HashSize
		if bytes.Equal(hash[:], d.hashes[offset:offset+HashSize]) {
			return true
		}
	}
	return false
}

func (d *Deduplicator) record(hash [HashSize]byte) {
	offset := d.next * HashSize
	copy(d.hashes[offset:offset+HashSize], hash[:])
	d.next = (d.next + 1) % d.capacity
	if d.filled < d.capacity {
		d.filled++
	}
}

// Clear forgets all previously seen messages.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.hashes)
	d.next = 0
	d.filled = 0
}

// Hash computes the deduplication hash: BLAKE2b-256(len(topic), topic,
// body) truncated to HashSize bytes.
func Hash(topic string, body []byte) [HashSize]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{byte(len(topic) >> 8), byte(len(topic))})
	h.Write([]byte(topic))
	h.Write(body)
	sum := h.Sum(nil)
	var result [HashSize]byte
	copy(result[:], sum[:HashSize])
	return result
}
