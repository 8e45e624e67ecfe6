// Package ingest turns MQTT publishes into stored messages.
//
// Publishes to "{prefix}/{device}/text" carry UTF-8 text, which is split
// into as many messages as needed. Publishes to "{prefix}/{device}/image"
// carry a PNG, JPEG or GIF, or a raw RGB565 frame. The device is given in
// hex. Redelivered copies are dropped. When a publisher is configured, the
// assigned ids are acknowledged on "{prefix}/{device}/ack".
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kabili207/rpi-messages-go/core/dedupe"
	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
	"github.com/kabili207/rpi-messages-go/server/repository"
)

const (
	// DefaultLifetime applies to every ingested message.
	DefaultLifetime = 10 * time.Minute

	// DefaultTimeout bounds storing one publish.
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrIgnoredTopic is returned for topics that do not carry messages.
	ErrIgnoredTopic = errors.New("topic ignored")

	// ErrDuplicate is returned for a publish that was already ingested.
	ErrDuplicate = errors.New("duplicate publish")
)

// Kind is the last topic segment.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAck   Kind = "ack"
)

// Publisher sends acknowledgements back to the broker.
type Publisher interface {
	Publish(subtopic string, body []byte) error
}

// Config configures an Ingester.
type Config struct {
	// TopicPrefix must match the subscription prefix.
	TopicPrefix string
	// Lifetime given to ingested messages. Default: 10 minutes.
	Lifetime time.Duration
	// Timeout bounds storing one publish. Default: 10 seconds.
	Timeout time.Duration
	// Dedupe filters redelivered publishes. A default one is created if nil.
	Dedupe *dedupe.Deduplicator
	// Publisher, if set, receives acknowledgements.
	Publisher Publisher
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Ingester stores messages received over MQTT.
type Ingester struct {
	repo repository.Repository
	cfg  Config
	log  *slog.Logger
}

// Ack is published after a successful ingest.
type Ack struct {
	IDs []protocol.MessageID `json:"ids"`
}

// New creates an Ingester storing into repo.
func New(repo repository.Repository, cfg Config) *Ingester {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = dedupe.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		repo: repo,
		cfg:  cfg,
		log:  logger.WithGroup("ingest"),
	}
}

// HandleMessage ingests one publish and logs the outcome. Its signature
// matches mqtt.MessageHandler.
func (i *Ingester) HandleMessage(topic string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.Timeout)
	defer cancel()

	ids, err := i.Ingest(ctx, topic, body)
	switch {
	case errors.Is(err, ErrIgnoredTopic):
		i.log.Debug("ignoring topic", "topic", topic)
	case errors.Is(err, ErrDuplicate):
		i.log.Debug("dropping duplicate publish", "topic", topic)
	case err != nil:
		i.log.Warn("rejected publish", "topic", topic, "error", err)
	default:
		i.log.Info("ingested publish", "topic", topic, "ids", ids)
	}
}

// Ingest parses and stores one publish, returning the assigned ids.
func (i *Ingester) Ingest(ctx context.Context, topic string, body []byte) ([]protocol.MessageID, error) {
	device, kind, err := ParseTopic(i.cfg.TopicPrefix, topic)
	if err != nil {
		return nil, err
	}

	var contents []message.Content
	switch kind {
	case KindText:
		contents, err = message.SplitText(string(body))
		if err == nil && len(contents) == 0 {
			err = errors.New("empty text")
		}
	case KindImage:
		var c message.Content
		c, err = message.DecodeImage(bytes.NewReader(body))
		contents = []message.Content{c}
	default:
		return nil, ErrIgnoredTopic
	}
	if err != nil {
		return nil, err
	}

	// recorded only once every chunk is stored, so a redelivery after a
	// failed store is ingested again
	if i.cfg.Dedupe.Seen(topic, body) {
		return nil, ErrDuplicate
	}

	ids := make([]protocol.MessageID, 0, len(contents))
	for _, c := range contents {
		id, err := i.repo.AddMessage(ctx, message.Insert{
			Meta:    message.Meta{ReceiverID: device, Lifetime: i.cfg.Lifetime},
			Sender:  message.SenderMQTT,
			Content: c,
		})
		if err != nil {
			return ids, fmt.Errorf("store message for %s: %w", device, err)
		}
		ids = append(ids, id)
	}
	i.cfg.Dedupe.Mark(topic, body)

	if i.cfg.Publisher != nil {
		ack, _ := json.Marshal(Ack{IDs: ids})
		if err := i.cfg.Publisher.Publish(device.String()+"/"+string(KindAck), ack); err != nil {
			i.log.Warn("acknowledge failed", "device", device, "error", err)
		}
	}
	return ids, nil
}

// ParseTopic splits "{prefix}/{device}/{kind}".
func ParseTopic(prefix, topic string) (protocol.DeviceID, Kind, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q outside prefix %q", ErrIgnoredTopic, topic, prefix)
	}
	dev, kind, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(kind, "/") {
		return 0, "", fmt.Errorf("%w: %q", ErrIgnoredTopic, topic)
	}
	id, err := protocol.ParseDeviceID(dev)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrIgnoredTopic, err)
	}
	switch Kind(kind) {
	case KindText, KindImage:
		return id, Kind(kind), nil
	default:
		return 0, "", fmt.Errorf("%w: kind %q", ErrIgnoredTopic, kind)
	}
}
