package mqtt

import (
	"context"
	"testing"

	"github.com/kabili207/rpi-messages-go/transport"
)

// fakeMessage implements paho.Message.
type fakeMessage struct {
	topic     string
	payload   []byte
	duplicate bool
}

func (m *fakeMessage) Duplicate() bool   { return m.duplicate }
func (m *fakeMessage) Qos() byte         { return QoS }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})

	if tr.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("expected default topic prefix %q, got %q", DefaultTopicPrefix, tr.cfg.TopicPrefix)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
	if got := tr.topicFilter(); got != "rpimsg/#" {
		t.Errorf("topic filter = %q, want rpimsg/#", got)
	}
}

func TestNew_CustomConfig(t *testing.T) {
	tr := New(Config{
		Broker:      "tcp://broker.example.com:1883",
		Username:    "user",
		Password:    "pass",
		TopicPrefix: "home/displays",
	})

	if tr.TopicPrefix() != "home/displays" {
		t.Errorf("expected topic prefix %q, got %q", "home/displays", tr.TopicPrefix())
	}
	if got := tr.topicFilter(); got != "home/displays/#" {
		t.Errorf("topic filter = %q", got)
	}
}

func TestStart_MissingBroker(t *testing.T) {
	tr := New(Config{})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty broker")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})
	if err := tr.Publish("0xcafebabe/ack", []byte("{}")); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestIsConnected_Default(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})
	if tr.IsConnected() {
		t.Error("expected not connected initially")
	}
}

func TestHandleMessage(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})

	// no handler set yet: dropped without panicking
	tr.handleMessage(nil, &fakeMessage{topic: "rpimsg/x", payload: []byte("a")})

	var gotTopic string
	var gotBody []byte
	tr.SetMessageHandler(func(topic string, body []byte) {
		gotTopic, gotBody = topic, body
	})
	tr.handleMessage(nil, &fakeMessage{topic: "rpimsg/0xcafebabe/text", payload: []byte("hi"), duplicate: true})

	if gotTopic != "rpimsg/0xcafebabe/text" || string(gotBody) != "hi" {
		t.Errorf("handler got %q %q", gotTopic, gotBody)
	}
}

func TestStateHandler_Events(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})
	var events []transport.Event
	tr.SetStateHandler(func(_ transport.Transport, e transport.Event) {
		events = append(events, e)
	})

	tr.onConnectionLost(nil, context.Canceled)
	tr.onReconnecting(nil, nil)

	if len(events) != 2 || events[0] != transport.EventDisconnected || events[1] != transport.EventReconnecting {
		t.Errorf("events = %v", events)
	}
}
