package device

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/device/display"
	"github.com/kabili207/rpi-messages-go/transport"
)

type recordingRenderer struct {
	mu    sync.Mutex
	texts []string
	prio  []string
	imgs  int
}

func (r *recordingRenderer) RenderText(text string, style display.Style) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if style == display.StylePriority {
		r.prio = append(r.prio, text)
	} else {
		r.texts = append(r.texts, text)
	}
	return nil
}

func (r *recordingRenderer) RenderImage(*[protocol.ImageBufferSize]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imgs++
	return nil
}

func (r *recordingRenderer) sawText(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.texts {
		if t == s {
			return true
		}
	}
	return false
}

func (r *recordingRenderer) sawPriority(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.prio {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

func (r *recordingRenderer) images() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imgs
}

type scriptedDialer struct {
	err   error
	serve func(net.Conn)
}

func (d scriptedDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		d.serve(server)
	}()
	return client, nil
}

// serveTwo answers with a text, then an image, then NoUpdate.
func serveTwo(conn net.Conn) {
	for {
		var cmd protocol.ClientCommand
		if err := protocol.ReadMessage(conn, &cmd); err != nil {
			return
		}
		switch {
		case !cmd.After.Valid:
			res := protocol.UpdateResult(protocol.Update{LifetimeSeconds: 600, ID: 0, Kind: protocol.TextKind(2)})
			protocol.WriteMessage(conn, &res)
			conn.Write([]byte("Hi"))
		case cmd.After.ID == 0:
			res := protocol.UpdateResult(protocol.Update{LifetimeSeconds: 600, ID: 1, Kind: protocol.ImageKind()})
			protocol.WriteMessage(conn, &res)
			conn.Write(make([]byte, protocol.ImageBufferSize))
		default:
			res := protocol.NoUpdate()
			protocol.WriteMessage(conn, &res)
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresRenderer(t *testing.T) {
	_, err := New(Config{Endpoint: transport.StaticEndpoint("x:1")})
	if err == nil {
		t.Error("New() without renderer should fail")
	}
}

func TestDeviceFetchesAndDisplays(t *testing.T) {
	r := &recordingRenderer{}
	d, err := New(Config{
		DeviceID:         0xcafebabe,
		Endpoint:         transport.StaticEndpoint("backend:1338"),
		Dialer:           scriptedDialer{serve: serveTwo},
		Renderer:         r,
		FetchInterval:    time.Hour,
		DisplayDuration:  5 * time.Millisecond,
		PriorityDuration: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "boot message", func() bool { return r.sawPriority(DefaultBootMessage) })
	waitFor(t, "text render", func() bool { return r.sawText("Hi") })
	waitFor(t, "image render", func() bool { return r.images() > 0 })

	if texts, images := d.Shared().ActiveCount(); texts != 1 || images != 1 {
		t.Errorf("ActiveCount() = %d, %d, want 1, 1", texts, images)
	}
	if got := d.Session().Cursor(); got != protocol.SomeMessageID(1) {
		t.Errorf("Cursor() = %v, want 1", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestDeviceShowsFetchFault(t *testing.T) {
	r := &recordingRenderer{}
	d, err := New(Config{
		Endpoint:         transport.StaticEndpoint("backend:1338"),
		Dialer:           scriptedDialer{err: errors.New("refused")},
		Renderer:         r,
		ReconnectDelay:   time.Hour,
		DisplayDuration:  5 * time.Millisecond,
		PriorityDuration: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitFor(t, "connect error notification", func() bool { return r.sawPriority("Can't connect to server") })
	waitFor(t, "placeholder", func() bool { return r.sawText(display.DefaultPlaceholder) })
}
