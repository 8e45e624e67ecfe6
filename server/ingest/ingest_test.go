package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
	"github.com/kabili207/rpi-messages-go/server/repository"
)

type fakePublisher struct {
	topics []string
	bodies [][]byte
}

func (p *fakePublisher) Publish(subtopic string, body []byte) error {
	p.topics = append(p.topics, subtopic)
	p.bodies = append(p.bodies, body)
	return nil
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic      string
		wantDevice protocol.DeviceID
		wantKind   Kind
		wantErr    bool
	}{
		{"rpimsg/cafebabe/text", 0xcafebabe, KindText, false},
		{"rpimsg/0xCAFEBABE/image", 0xcafebabe, KindImage, false},
		{"rpimsg/cafebabe/ack", 0, "", true},
		{"rpimsg/cafebabe", 0, "", true},
		{"rpimsg/zz/text", 0, "", true},
		{"rpimsg/cafebabe/text/extra", 0, "", true},
		{"other/cafebabe/text", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			dev, kind, err := ParseTopic("rpimsg", tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrIgnoredTopic) {
					t.Fatalf("err = %v, want ErrIgnoredTopic", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if dev != tt.wantDevice || kind != tt.wantKind {
				t.Errorf("got %s %s, want %s %s", dev, kind, tt.wantDevice, tt.wantKind)
			}
		})
	}
}

func TestIngestText(t *testing.T) {
	repo := repository.NewMemory(nil)
	pub := &fakePublisher{}
	in := New(repo, Config{TopicPrefix: "rpimsg", Publisher: pub})
	ctx := context.Background()

	long := strings.Repeat("x", protocol.TextBufferSize+10)
	ids, err := in.Ingest(ctx, "rpimsg/cafebabe/text", []byte(long))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want two chunks", ids)
	}
	first, err := repo.Message(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.Sender != message.SenderMQTT || first.Meta.Lifetime != DefaultLifetime || first.Meta.ReceiverID != 0xcafebabe {
		t.Errorf("stored %+v from %s", first.Meta, first.Sender)
	}

	if len(pub.topics) != 1 || pub.topics[0] != "0xcafebabe/ack" {
		t.Fatalf("acks = %v", pub.topics)
	}
	var ack Ack
	if err := json.Unmarshal(pub.bodies[0], &ack); err != nil {
		t.Fatal(err)
	}
	if len(ack.IDs) != 2 || ack.IDs[0] != ids[0] {
		t.Errorf("ack = %+v, want %v", ack, ids)
	}
}

func TestIngestDropsDuplicates(t *testing.T) {
	repo := repository.NewMemory(nil)
	in := New(repo, Config{TopicPrefix: "rpimsg"})
	ctx := context.Background()

	if _, err := in.Ingest(ctx, "rpimsg/1/text", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Ingest(ctx, "rpimsg/1/text", []byte("hello")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
	if repo.Count() != 1 {
		t.Errorf("Count = %d, want 1", repo.Count())
	}
}

// flakyRepo fails the AddMessage call numbered failAt (from 1).
type flakyRepo struct {
	repository.Repository
	failAt int
	calls  int
}

var errLocked = errors.New("database is locked")

func (r *flakyRepo) AddMessage(ctx context.Context, in message.Insert) (protocol.MessageID, error) {
	r.calls++
	if r.calls == r.failAt {
		return 0, errLocked
	}
	return r.Repository.AddMessage(ctx, in)
}

func TestIngestRedeliveryAfterStoreFailure(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		failAt int
	}{
		{"single message", "hello", 1},
		{"second chunk of split text", strings.Repeat("x", protocol.TextBufferSize+10), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &flakyRepo{Repository: repository.NewMemory(nil), failAt: tt.failAt}
			pub := &fakePublisher{}
			in := New(repo, Config{TopicPrefix: "rpimsg", Publisher: pub})
			ctx := context.Background()

			if _, err := in.Ingest(ctx, "rpimsg/cafebabe/text", []byte(tt.body)); !errors.Is(err, errLocked) {
				t.Fatalf("first delivery err = %v, want %v", err, errLocked)
			}
			if len(pub.topics) != 0 {
				t.Errorf("failed delivery acknowledged: %v", pub.topics)
			}

			ids, err := in.Ingest(ctx, "rpimsg/cafebabe/text", []byte(tt.body))
			if err != nil {
				t.Fatalf("redelivery: %v", err)
			}
			if len(ids) == 0 {
				t.Fatal("redelivery stored nothing")
			}
			if len(pub.topics) != 1 {
				t.Errorf("acks = %v, want one", pub.topics)
			}

			if _, err := in.Ingest(ctx, "rpimsg/cafebabe/text", []byte(tt.body)); !errors.Is(err, ErrDuplicate) {
				t.Errorf("third delivery err = %v, want ErrDuplicate", err)
			}
		})
	}
}

func TestIngestImage(t *testing.T) {
	repo := repository.NewMemory(nil)
	in := New(repo, Config{TopicPrefix: "rpimsg"})

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	ids, err := in.Ingest(context.Background(), "rpimsg/2/image", buf.Bytes())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	msg, _ := repo.Message(context.Background(), ids[0])
	if msg.Content.Kind != protocol.KindImage || len(msg.Content.Image) != protocol.ImageBufferSize {
		t.Errorf("stored %v with %d bytes", msg.Content.Kind, len(msg.Content.Image))
	}
}

func TestIngestRejects(t *testing.T) {
	repo := repository.NewMemory(nil)
	in := New(repo, Config{TopicPrefix: "rpimsg"})
	ctx := context.Background()

	if _, err := in.Ingest(ctx, "rpimsg/1/image", []byte("not an image")); err == nil {
		t.Error("expected error for garbage image")
	}
	if _, err := in.Ingest(ctx, "rpimsg/1/text", []byte{0xff}); !errors.Is(err, message.ErrInvalidText) {
		t.Errorf("err = %v, want ErrInvalidText", err)
	}
	if _, err := in.Ingest(ctx, "rpimsg/1/text", nil); err == nil {
		t.Error("expected error for empty text")
	}
	if repo.Count() != 0 {
		t.Errorf("Count = %d, want 0", repo.Count())
	}

	// HandleMessage only logs
	in.HandleMessage("rpimsg/1/ack", []byte("{}"))
}
