// Package cache implements the device's fixed-capacity message store.
//
// Text and image messages live in two fixed arrays of slots. Slots are never
// added or removed, only overwritten: a write picks the lowest-indexed
// expired slot, or evicts the oldest one when every slot is still active.
// The display side walks active slots in order of arrival and wraps around
// once it has shown the newest one.
//
// A Cache is not safe for concurrent use. The device wraps it in a mutex
// held only for the duration of a single call.
package cache

import (
	"fmt"
	"time"

	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/core/protocol"
)

const (
	// TextSlots is the number of text messages held at once.
	TextSlots = 10
	// ImageSlots is the number of images held at once.
	ImageSlots = 2
)

// Freshness records when a slot was written and for how long it stays active.
type Freshness struct {
	UpdatedAt time.Time
	Lifetime  time.Duration
}

// Active reports whether the slot is still displayable at now.
// A never-written slot is inactive.
func (f Freshness) Active(now time.Time) bool {
	return now.Before(f.UpdatedAt.Add(f.Lifetime))
}

// TextSlot holds a single text message.
type TextSlot struct {
	Freshness
	buf [protocol.TextBufferSize]byte
	n   int
}

// Text returns the slot's content.
func (s *TextSlot) Text() string {
	return string(s.buf[:s.n])
}

// ImageSlot holds a single full-frame image.
type ImageSlot struct {
	Freshness
	Data [protocol.ImageBufferSize]byte
}

// Ref points at a slot chosen by Next.
type Ref struct {
	Kind      protocol.ContentKind
	Index     int
	UpdatedAt time.Time
}

// Cache is the device message store.
type Cache struct {
	texts  [TextSlots]TextSlot
	images [ImageSlots]ImageSlot
	clock  *clock.Clock
}

// New returns an empty cache. Writes are stamped with clk.NowUnique so no
// two slots share an UpdatedAt.
func New(clk *clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{clock: clk}
}

// WriteText stores text announced by u and returns the slot index used.
func (c *Cache) WriteText(u protocol.Update, text []byte) (int, error) {
	if len(text) > protocol.TextBufferSize {
		return 0, &protocol.LengthExceededError{Got: len(text), Max: protocol.TextBufferSize}
	}

	now := c.clock.NowUnique()
	i := selectSlot(len(c.texts), func(i int) Freshness { return c.texts[i].Freshness }, now)

	s := &c.texts[i]
	clear(s.buf[:])
	s.n = copy(s.buf[:], text)
	s.Freshness = Freshness{UpdatedAt: now, Lifetime: u.Lifetime()}
	return i, nil
}

// WriteImage stores the image announced by u and returns the slot index used.
func (c *Cache) WriteImage(u protocol.Update, data *[protocol.ImageBufferSize]byte) int {
	now := c.clock.NowUnique()
	i := selectSlot(len(c.images), func(i int) Freshness { return c.images[i].Freshness }, now)

	s := &c.images[i]
	s.Data = *data
	s.Freshness = Freshness{UpdatedAt: now, Lifetime: u.Lifetime()}
	return i
}

// selectSlot returns the lowest-indexed inactive slot, or the oldest slot
// (lowest index on ties) when all are active. n must be positive.
func selectSlot(n int, freshness func(int) Freshness, now time.Time) int {
	oldest := 0
	for i := range n {
		f := freshness(i)
		if !f.Active(now) {
			return i
		}
		if f.UpdatedAt.Before(freshness(oldest).UpdatedAt) {
			oldest = i
		}
	}
	return oldest
}

// Next picks the slot to show after the one shown at lastShown. It returns
// the active slot with the smallest UpdatedAt after lastShown, wrapping to
// the oldest active slot when there is none. ok is false when nothing is
// active.
func (c *Cache) Next(lastShown time.Time) (ref Ref, ok bool) {
	now := c.clock.Now()

	var next, first Ref
	var haveNext, haveFirst bool
	consider := func(kind protocol.ContentKind, i int, f Freshness) {
		if !f.Active(now) {
			return
		}
		r := Ref{Kind: kind, Index: i, UpdatedAt: f.UpdatedAt}
		if !haveFirst || r.UpdatedAt.Before(first.UpdatedAt) {
			first, haveFirst = r, true
		}
		if r.UpdatedAt.After(lastShown) && (!haveNext || r.UpdatedAt.Before(next.UpdatedAt)) {
			next, haveNext = r, true
		}
	}

	for i := range c.texts {
		consider(protocol.KindText, i, c.texts[i].Freshness)
	}
	for i := range c.images {
		consider(protocol.KindImage, i, c.images[i].Freshness)
	}

	if haveNext {
		return next, true
	}
	return first, haveFirst
}

// Load copies the slot referenced by ref into dst.
func (c *Cache) Load(ref Ref, dst *Frame) error {
	switch ref.Kind {
	case protocol.KindText:
		if ref.Index < 0 || ref.Index >= len(c.texts) {
			return fmt.Errorf("text slot %d out of range", ref.Index)
		}
		s := &c.texts[ref.Index]
		dst.Kind = protocol.KindText
		dst.textLen = copy(dst.text[:], s.buf[:s.n])
	case protocol.KindImage:
		if ref.Index < 0 || ref.Index >= len(c.images) {
			return fmt.Errorf("image slot %d out of range", ref.Index)
		}
		dst.Kind = protocol.KindImage
		dst.Image = c.images[ref.Index].Data
	default:
		return fmt.Errorf("unknown content kind %d", ref.Kind)
	}
	dst.UpdatedAt = ref.UpdatedAt
	return nil
}

// NextFrame combines Next and Load.
func (c *Cache) NextFrame(lastShown time.Time, dst *Frame) bool {
	ref, ok := c.Next(lastShown)
	if !ok {
		return false
	}
	return c.Load(ref, dst) == nil
}

// ActiveCount returns the number of active text and image slots.
func (c *Cache) ActiveCount() (texts, images int) {
	now := c.clock.Now()
	for i := range c.texts {
		if c.texts[i].Active(now) {
			texts++
		}
	}
	for i := range c.images {
		if c.images[i].Active(now) {
			images++
		}
	}
	return texts, images
}

// TextSlot returns the text slot at i for inspection.
func (c *Cache) TextSlot(i int) *TextSlot { return &c.texts[i] }

// ImageSlot returns the image slot at i for inspection.
func (c *Cache) ImageSlot(i int) *ImageSlot { return &c.images[i] }

// Frame is a display-owned copy of one slot, so rendering never touches the
// cache itself.
type Frame struct {
	Kind      protocol.ContentKind
	UpdatedAt time.Time
	Image     [protocol.ImageBufferSize]byte
	text      [protocol.TextBufferSize]byte
	textLen   int
}

// Text returns the frame's text content.
func (f *Frame) Text() string {
	return string(f.text[:f.textLen])
}
