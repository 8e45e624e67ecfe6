// Package mqtt provides the MQTT subscriber the backend ingests messages
// from.
//
// The transport connects to a standard MQTT broker, subscribes to every
// topic below "{prefix}/" with QoS 1 and hands each publish to a message
// handler. Subscriptions are renewed on every (re)connect.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kabili207/rpi-messages-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "rpimsg"

	// QoS used for subscriptions and publishes. Redelivered copies are
	// expected and filtered by the consumer.
	QoS byte = 1
)

// MessageHandler receives every publish below the topic prefix.
type MessageHandler func(topic string, body []byte)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "rpimsg"). The
	// transport subscribes to "{TopicPrefix}/#".
	TopicPrefix string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg            Config
	client         paho.Client
	log            *slog.Logger
	mu             sync.RWMutex
	connected      bool
	messageHandler MessageHandler
	stateHandler   transport.StateHandler
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// TopicPrefix returns the configured prefix.
func (t *Transport) TopicPrefix() string {
	return t.cfg.TopicPrefix
}

// Start connects to the MQTT broker and begins listening for messages.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "rpimsg-" + uuid.NewString()
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetMessageHandler sets the callback for incoming publishes.
func (t *Transport) SetMessageHandler(fn MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Publish sends body to "{prefix}/{subtopic}".
func (t *Transport) Publish(subtopic string, body []byte) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}

	token := t.client.Publish(t.cfg.TopicPrefix+"/"+subtopic, QoS, false, body)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topicFilter() string {
	return t.cfg.TopicPrefix + "/#"
}

func (t *Transport) subscribe(client paho.Client) {
	filter := t.topicFilter()
	token := client.Subscribe(filter, QoS, t.handleMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			t.log.Error("subscribe failed", "topic", filter, "error", err)
			return
		}
		t.log.Debug("subscribed", "topic", filter)
	}()
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}
	if message.Duplicate() {
		t.log.Debug("redelivered publish", "topic", message.Topic())
	}
	handler(message.Topic(), message.Payload())
}

func (t *Transport) onConnected(client paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe(client)
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}
