package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
)

const (
	deviceA protocol.DeviceID = 0xA
	deviceB protocol.DeviceID = 0xB
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() *clock.Clock {
	return clock.NewFrom(clock.NewManual(epoch))
}

type opener func(t *testing.T) Repository

func repositories() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Repository {
			return NewMemory(testClock())
		},
		"memory-snapshot": func(t *testing.T) Repository {
			repo, err := OpenMemory(filepath.Join(t.TempDir(), "messages.json"), testClock())
			if err != nil {
				t.Fatalf("OpenMemory: %v", err)
			}
			return repo
		},
		"sqlite": func(t *testing.T) Repository {
			repo, err := OpenSQLite(filepath.Join(t.TempDir(), "messages.db"), testClock())
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() {
				if err := repo.Close(); err != nil {
					t.Fatalf("close: %v", err)
				}
			})
			return repo
		},
	}
}

func mustText(t *testing.T, s string) message.Content {
	t.Helper()
	c, err := message.NewText(s)
	if err != nil {
		t.Fatalf("NewText(%q): %v", s, err)
	}
	return c
}

func mustAdd(t *testing.T, repo Repository, device protocol.DeviceID, c message.Content) protocol.MessageID {
	t.Helper()
	id, err := repo.AddMessage(context.Background(), message.Insert{
		Meta:    message.Meta{ReceiverID: device, Lifetime: time.Minute},
		Sender:  message.SenderWeb,
		Content: c,
	})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	return id
}

func TestNextMessageOrdering(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			if msg, err := repo.NextMessage(ctx, deviceA, protocol.NullMessageID{}); err != nil || msg != nil {
				t.Fatalf("empty repo NextMessage = %v, %v; want nil, nil", msg, err)
			}

			a0 := mustAdd(t, repo, deviceA, mustText(t, "first"))
			b0 := mustAdd(t, repo, deviceB, mustText(t, "other device"))
			a1 := mustAdd(t, repo, deviceA, message.ConvertImage(Heart()))
			a2 := mustAdd(t, repo, deviceA, mustText(t, "third"))

			if a0 != 0 || b0 != 1 || a1 != 2 || a2 != 3 {
				t.Fatalf("ids = %d %d %d %d, want 0 1 2 3", a0, b0, a1, a2)
			}

			steps := []struct {
				after protocol.NullMessageID
				want  protocol.MessageID
				none  bool
			}{
				{after: protocol.NullMessageID{}, want: a0},
				{after: protocol.SomeMessageID(a0), want: a1},
				{after: protocol.SomeMessageID(b0), want: a1},
				{after: protocol.SomeMessageID(a1), want: a2},
				{after: protocol.SomeMessageID(a2), none: true},
				{after: protocol.SomeMessageID(99), want: a0},
			}
			for _, step := range steps {
				msg, err := repo.NextMessage(ctx, deviceA, step.after)
				if err != nil {
					t.Fatalf("NextMessage(after=%s): %v", step.after, err)
				}
				if step.none {
					if msg != nil {
						t.Errorf("NextMessage(after=%s) = id %s, want none", step.after, msg.ID)
					}
					continue
				}
				if msg == nil {
					t.Fatalf("NextMessage(after=%s) = none, want id %s", step.after, step.want)
				}
				if msg.ID != step.want {
					t.Errorf("NextMessage(after=%s) = id %s, want %s", step.after, msg.ID, step.want)
				}
			}

			msg, err := repo.NextMessage(ctx, deviceB, protocol.NullMessageID{})
			if err != nil || msg == nil || msg.Content.Text != "other device" {
				t.Errorf("device B next = %+v, %v", msg, err)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			img := message.ConvertImage(Heart())
			id := mustAdd(t, repo, deviceA, img)

			got, err := repo.Message(ctx, id)
			if err != nil {
				t.Fatalf("Message: %v", err)
			}
			if got.Content.Kind != protocol.KindImage || len(got.Content.Image) != protocol.ImageBufferSize {
				t.Fatalf("content = %v/%d bytes, want full image", got.Content.Kind, len(got.Content.Image))
			}
			if got.Sender != message.SenderWeb || got.Meta.Lifetime != time.Minute || got.Meta.ReceiverID != deviceA {
				t.Errorf("metadata = %+v sender %s", got.Meta, got.Sender)
			}
			if got.Update() != (protocol.Update{LifetimeSeconds: 60, ID: id, Kind: protocol.ImageKind()}) {
				t.Errorf("Update = %+v", got.Update())
			}

			if _, err := repo.Message(ctx, id+1); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing message err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCreatedAtStrictlyIncreasing(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			// the manual clock never moves, so every insert lands on the same instant
			var prev time.Time
			for i := 0; i < 5; i++ {
				id := mustAdd(t, repo, deviceA, mustText(t, "tick"))
				msg, err := repo.Message(ctx, id)
				if err != nil {
					t.Fatal(err)
				}
				if !msg.CreatedAt.After(prev) {
					t.Fatalf("message %d created at %v, not after %v", id, msg.CreatedAt, prev)
				}
				prev = msg.CreatedAt
			}
		})
	}
}

func TestAddMessageRejectsInvalid(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			_, err := repo.AddMessage(context.Background(), message.Insert{
				Meta:    message.Meta{ReceiverID: deviceA, Lifetime: 0},
				Sender:  message.SenderWeb,
				Content: mustText(t, "x"),
			})
			if !errors.Is(err, message.ErrInvalidLifetime) {
				t.Errorf("err = %v, want ErrInvalidLifetime", err)
			}
			_, err = repo.AddMessage(context.Background(), message.Insert{
				Meta:    message.Meta{ReceiverID: deviceA, Lifetime: time.Minute},
				Sender:  message.SenderWeb,
				Content: message.Content{Kind: protocol.KindImage, Image: []byte{1, 2, 3}},
			})
			if !errors.Is(err, message.ErrImageSize) {
				t.Errorf("err = %v, want ErrImageSize", err)
			}
		})
	}
}

func TestDevices(t *testing.T) {
	for name, open := range repositories() {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			for _, d := range []message.Device{
				{ID: deviceB, Name: "kitchen"},
				{ID: deviceA, Name: "desk"},
				{ID: deviceB, Name: "hallway"},
			} {
				if err := repo.AddDevice(ctx, d); err != nil {
					t.Fatalf("AddDevice: %v", err)
				}
			}

			devices, err := repo.Devices(ctx)
			if err != nil {
				t.Fatalf("Devices: %v", err)
			}
			if len(devices) != 2 {
				t.Fatalf("got %d devices, want 2", len(devices))
			}
			if devices[0].ID != deviceA || devices[0].Name != "desk" {
				t.Errorf("devices[0] = %+v", devices[0])
			}
			if devices[1].ID != deviceB || devices[1].Name != "hallway" {
				t.Errorf("devices[1] = %+v, want renamed to hallway", devices[1])
			}
		})
	}
}

func TestSeed(t *testing.T) {
	repo := NewMemory(testClock())
	ids, err := Seed(context.Background(), repo, SampleDeviceID, time.Hour)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("seeded %d messages, want 3", len(ids))
	}
	img, err := repo.Message(context.Background(), ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if img.Content.Kind != protocol.KindImage || img.Sender != message.SenderSeed {
		t.Errorf("second seed message = %v from %s, want image from seed", img.Content.Kind, img.Sender)
	}
}

func TestMemorySnapshotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	ctx := context.Background()

	repo, err := OpenMemory(path, testClock())
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, repo, deviceA, mustText(t, "persisted"))
	mustAdd(t, repo, deviceA, message.ConvertImage(Heart()))
	if err := repo.AddDevice(ctx, message.Device{ID: deviceA, Name: "desk"}); err != nil {
		t.Fatal(err)
	}
	repo.Close()

	reopened, err := OpenMemory(path, testClock())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reopened.Count())
	}
	msg, err := reopened.NextMessage(ctx, deviceA, protocol.NullMessageID{})
	if err != nil || msg == nil || msg.Content.Text != "persisted" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}
	next, err := reopened.NextMessage(ctx, deviceA, protocol.SomeMessageID(msg.ID))
	if err != nil || next == nil || next.Content.Kind != protocol.KindImage {
		t.Fatalf("second message = %+v, %v", next, err)
	}
	id := mustAdd(t, reopened, deviceA, mustText(t, "after restart"))
	if id != 2 {
		t.Errorf("id after reload = %d, want 2", id)
	}
	devices, _ := reopened.Devices(ctx)
	if len(devices) != 1 || devices[0].Name != "desk" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	ctx := context.Background()

	repo, err := OpenSQLite(path, testClock())
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, repo, deviceA, mustText(t, "one"))
	if err := repo.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLite(path, testClock())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	version, err := reopened.SchemaVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
	id := mustAdd(t, reopened, deviceA, mustText(t, "two"))
	if id != 1 {
		t.Errorf("id after reopen = %d, want 1", id)
	}
	msg, err := reopened.NextMessage(ctx, deviceA, protocol.SomeMessageID(0))
	if err != nil || msg == nil || msg.Content.Text != "two" {
		t.Errorf("next after reopen = %+v, %v", msg, err)
	}
}

func TestClosedMemory(t *testing.T) {
	repo := NewMemory(nil)
	repo.Close()
	if _, err := repo.NextMessage(context.Background(), deviceA, protocol.NullMessageID{}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
