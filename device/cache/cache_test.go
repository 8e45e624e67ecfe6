package cache

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/core/protocol"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*Cache, *clock.Manual) {
	t.Helper()
	m := clock.NewManual(epoch)
	return New(clock.NewFrom(m)), m
}

func textUpdate(id protocol.MessageID, lifetime uint32, text string) protocol.Update {
	return protocol.Update{LifetimeSeconds: lifetime, ID: id, Kind: protocol.TextKind(uint16(len(text)))}
}

func imageUpdate(id protocol.MessageID, lifetime uint32) protocol.Update {
	return protocol.Update{LifetimeSeconds: lifetime, ID: id, Kind: protocol.ImageKind()}
}

func mustWriteText(t *testing.T, c *Cache, u protocol.Update, text string) int {
	t.Helper()
	i, err := c.WriteText(u, []byte(text))
	if err != nil {
		t.Fatalf("WriteText(%q) error = %v", text, err)
	}
	return i
}

func TestFreshnessActive(t *testing.T) {
	f := Freshness{UpdatedAt: epoch, Lifetime: time.Minute}
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"at write", epoch, true},
		{"just before expiry", epoch.Add(time.Minute - time.Nanosecond), true},
		{"at expiry", epoch.Add(time.Minute), false},
		{"after expiry", epoch.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Active(tt.now); got != tt.want {
				t.Errorf("Active(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}

	if (Freshness{}).Active(epoch) {
		t.Error("zero Freshness should be inactive")
	}
}

func TestWriteTextFillsLowestFreeSlot(t *testing.T) {
	c, m := newTestCache(t)
	for i := range TextSlots {
		got := mustWriteText(t, c, textUpdate(protocol.MessageID(i), 3600, "x"), "x")
		if got != i {
			t.Errorf("write %d went to slot %d", i, got)
		}
		m.Advance(time.Second)
	}
}

func TestWriteTextEvictsOldest(t *testing.T) {
	c, m := newTestCache(t)
	for i := range TextSlots {
		mustWriteText(t, c, textUpdate(protocol.MessageID(i), 3600, "old"), "old")
		m.Advance(time.Second)
	}

	got := mustWriteText(t, c, textUpdate(100, 3600, "new"), "new")
	if got != 0 {
		t.Errorf("first eviction used slot %d, want 0", got)
	}
	if text := c.TextSlot(0).Text(); text != "new" {
		t.Errorf("slot 0 = %q, want %q", text, "new")
	}

	m.Advance(time.Second)
	if got := mustWriteText(t, c, textUpdate(101, 3600, "newer"), "newer"); got != 1 {
		t.Errorf("second eviction used slot %d, want 1", got)
	}
}

func TestWriteTextPrefersExpiredSlot(t *testing.T) {
	c, m := newTestCache(t)
	for i := range TextSlots {
		lifetime := uint32(3600)
		if i == 4 {
			// outlives the rest of the fill, gone before the next write
			lifetime = TextSlots
		}
		mustWriteText(t, c, textUpdate(protocol.MessageID(i), lifetime, "x"), "x")
		m.Advance(time.Second)
	}
	if n, _ := c.ActiveCount(); n != TextSlots {
		t.Fatalf("ActiveCount = %d after fill, want %d", n, TextSlots)
	}

	m.Advance(10 * time.Second)
	if got := mustWriteText(t, c, textUpdate(50, 60, "y"), "y"); got != 4 {
		t.Errorf("write used slot %d, want expired slot 4", got)
	}
}

func TestWriteTextExpiryBoundary(t *testing.T) {
	tests := []struct {
		name string
		at   time.Duration // after slot 3 was written
		want int
	}{
		{"just before expiry evicts oldest", 7*time.Second - time.Nanosecond, 0},
		{"at expiry reuses slot", 7 * time.Second, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := newTestCache(t)
			for i := range TextSlots {
				lifetime := uint32(3600)
				if i == 3 {
					lifetime = 7
				}
				mustWriteText(t, c, textUpdate(protocol.MessageID(i), lifetime, "x"), "x")
				m.Advance(time.Second)
			}

			m.Set(epoch.Add(3*time.Second + tt.at))
			if got := mustWriteText(t, c, textUpdate(50, 60, "y"), "y"); got != tt.want {
				t.Errorf("write used slot %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteTextEvictionTieBreaksOnIndex(t *testing.T) {
	freshness := []Freshness{
		{UpdatedAt: epoch.Add(time.Second), Lifetime: time.Hour},
		{UpdatedAt: epoch, Lifetime: time.Hour},
		{UpdatedAt: epoch, Lifetime: time.Hour},
	}
	got := selectSlot(len(freshness), func(i int) Freshness { return freshness[i] }, epoch.Add(time.Minute))
	if got != 1 {
		t.Errorf("selectSlot() = %d, want 1", got)
	}
}

func TestWriteTextReplacesShorterContent(t *testing.T) {
	c, _ := newTestCache(t)
	for i := range TextSlots {
		mustWriteText(t, c, textUpdate(protocol.MessageID(i), 1, "a long message"), "a long message")
	}
	mustWriteText(t, c, textUpdate(99, 1, "hi"), "hi")
	if got := c.TextSlot(0).Text(); got != "hi" {
		t.Errorf("slot 0 = %q, want %q", got, "hi")
	}
}

func TestWriteTextTooLong(t *testing.T) {
	c, _ := newTestCache(t)
	text := strings.Repeat("a", protocol.TextBufferSize+1)
	_, err := c.WriteText(textUpdate(1, 60, "x"), []byte(text))
	var lerr *protocol.LengthExceededError
	if !errors.As(err, &lerr) {
		t.Fatalf("WriteText() error = %v, want LengthExceededError", err)
	}
	if texts, _ := c.ActiveCount(); texts != 0 {
		t.Errorf("ActiveCount() texts = %d, want 0", texts)
	}
}

func TestWriteImage(t *testing.T) {
	c, m := newTestCache(t)
	var img [protocol.ImageBufferSize]byte
	for i := range img {
		img[i] = byte(i)
	}

	for want := range ImageSlots {
		if got := c.WriteImage(imageUpdate(protocol.MessageID(want), 60), &img); got != want {
			t.Errorf("WriteImage() slot = %d, want %d", got, want)
		}
		m.Advance(time.Second)
	}
	if got := c.WriteImage(imageUpdate(9, 60), &img); got != 0 {
		t.Errorf("eviction slot = %d, want 0", got)
	}
	if c.ImageSlot(0).Data != img {
		t.Error("image slot content does not match written buffer")
	}

	img[0] = 0xff
	if c.ImageSlot(0).Data[0] == 0xff {
		t.Error("image slot aliases the caller's buffer")
	}
}

func TestNextEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	if _, ok := c.Next(time.Time{}); ok {
		t.Error("Next() on empty cache returned a slot")
	}
}

func TestNextRotation(t *testing.T) {
	c, m := newTestCache(t)
	var img [protocol.ImageBufferSize]byte

	mustWriteText(t, c, textUpdate(0, 3600, "a"), "a")
	m.Advance(time.Second)
	c.WriteImage(imageUpdate(1, 3600), &img)
	m.Advance(time.Second)
	mustWriteText(t, c, textUpdate(2, 3600, "b"), "b")
	m.Advance(time.Second)
	mustWriteText(t, c, textUpdate(3, 3600, "c"), "c")

	want := []Ref{
		{Kind: protocol.KindText, Index: 0},
		{Kind: protocol.KindImage, Index: 0},
		{Kind: protocol.KindText, Index: 1},
		{Kind: protocol.KindText, Index: 2},
		{Kind: protocol.KindText, Index: 0},
	}

	var last time.Time
	for i, w := range want {
		ref, ok := c.Next(last)
		if !ok {
			t.Fatalf("step %d: Next() returned nothing", i)
		}
		if ref.Kind != w.Kind || ref.Index != w.Index {
			t.Errorf("step %d: Next() = %s[%d], want %s[%d]", i, ref.Kind, ref.Index, w.Kind, w.Index)
		}
		if i > 0 && i < 4 && !ref.UpdatedAt.After(last) {
			t.Errorf("step %d: UpdatedAt %v not after %v", i, ref.UpdatedAt, last)
		}
		last = ref.UpdatedAt
	}
}

func TestNextSkipsExpired(t *testing.T) {
	c, m := newTestCache(t)
	mustWriteText(t, c, textUpdate(0, 10, "short"), "short")
	m.Advance(time.Second)
	mustWriteText(t, c, textUpdate(1, 3600, "long"), "long")

	m.Advance(9 * time.Second)
	ref, ok := c.Next(time.Time{})
	if !ok {
		t.Fatal("Next() returned nothing")
	}
	if ref.Index != 1 {
		t.Errorf("Next() = slot %d, want 1 (slot 0 expired exactly now)", ref.Index)
	}

	m.Advance(time.Hour)
	if _, ok := c.Next(time.Time{}); ok {
		t.Error("Next() returned a slot after everything expired")
	}
}

func TestNextSameTimestampWrites(t *testing.T) {
	c, _ := newTestCache(t)
	mustWriteText(t, c, textUpdate(0, 60, "a"), "a")
	mustWriteText(t, c, textUpdate(1, 60, "b"), "b")

	first, _ := c.Next(time.Time{})
	second, ok := c.Next(first.UpdatedAt)
	if !ok || second.Index == first.Index {
		t.Errorf("writes in the same instant were not both visited: %+v then %+v", first, second)
	}
}

func TestNextFrame(t *testing.T) {
	c, m := newTestCache(t)
	mustWriteText(t, c, textUpdate(0, 60, "Hi"), "Hi")
	m.Advance(time.Second)

	var img [protocol.ImageBufferSize]byte
	img[10] = 0x42
	c.WriteImage(imageUpdate(1, 60), &img)

	var f Frame
	if !c.NextFrame(time.Time{}, &f) {
		t.Fatal("NextFrame() returned false")
	}
	if f.Kind != protocol.KindText || f.Text() != "Hi" {
		t.Errorf("first frame = %s %q, want text %q", f.Kind, f.Text(), "Hi")
	}

	if !c.NextFrame(f.UpdatedAt, &f) {
		t.Fatal("NextFrame() returned false")
	}
	if f.Kind != protocol.KindImage || f.Image[10] != 0x42 {
		t.Errorf("second frame = %s, want image", f.Kind)
	}
}

func TestLoadOutOfRange(t *testing.T) {
	c, _ := newTestCache(t)
	var f Frame
	if err := c.Load(Ref{Kind: protocol.KindText, Index: TextSlots}, &f); err == nil {
		t.Error("Load() out of range text slot should fail")
	}
	if err := c.Load(Ref{Kind: protocol.KindImage, Index: -1}, &f); err == nil {
		t.Error("Load() out of range image slot should fail")
	}
}
