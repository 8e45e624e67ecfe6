package protocol

import (
	"fmt"
	"time"
)

// ContentKind selects between image and text content.
type ContentKind uint8

const (
	KindImage ContentKind = 0
	KindText  ContentKind = 1
)

func (k ContentKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// UpdateKind describes the payload that follows an Update on the wire.
// TextLen is only meaningful for KindText.
type UpdateKind struct {
	Content ContentKind
	TextLen uint16
}

// ImageKind returns the kind of a full-frame image payload.
func ImageKind() UpdateKind {
	return UpdateKind{Content: KindImage}
}

// TextKind returns the kind of a text payload of n bytes.
func TextKind(n uint16) UpdateKind {
	return UpdateKind{Content: KindText, TextLen: n}
}

// Size returns the number of payload bytes that follow the header.
func (k UpdateKind) Size() int {
	if k.Content == KindText {
		return int(k.TextLen)
	}
	return ImageBufferSize
}

// Validate reports whether the payload described by k fits the device
// buffers.
func (k UpdateKind) Validate() error {
	switch k.Content {
	case KindImage:
		if k.TextLen != 0 {
			return fmt.Errorf("%w: image kind with text length %d", ErrDecodeFailure, k.TextLen)
		}
		return nil
	case KindText:
		if int(k.TextLen) > TextBufferSize {
			return &LengthExceededError{Got: int(k.TextLen), Max: TextBufferSize}
		}
		return nil
	default:
		return fmt.Errorf("%w: content kind %d", ErrUnknownVariant, k.Content)
	}
}

func (k UpdateKind) String() string {
	if k.Content == KindText {
		return fmt.Sprintf("text(%d)", k.TextLen)
	}
	return k.Content.String()
}

// Update describes a pending message without its payload.
type Update struct {
	LifetimeSeconds uint32
	ID              MessageID
	Kind            UpdateKind
}

// Lifetime returns how long the message stays active after it is received.
func (u Update) Lifetime() time.Duration {
	return time.Duration(u.LifetimeSeconds) * time.Second
}

// ResultKind discriminates RequestUpdateResult variants.
type ResultKind uint8

const (
	ResultNoUpdate ResultKind = 0
	ResultUpdate   ResultKind = 1
)

func (k ResultKind) String() string {
	switch k {
	case ResultNoUpdate:
		return "no-update"
	case ResultUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RequestUpdateResult is the backend's reply to a RequestUpdate. Update is
// only set when Kind is ResultUpdate.
type RequestUpdateResult struct {
	Kind   ResultKind
	Update Update
}

// NoUpdate returns the reply sent when nothing is pending.
func NoUpdate() RequestUpdateResult {
	return RequestUpdateResult{Kind: ResultNoUpdate}
}

// UpdateResult returns the reply announcing u.
func UpdateResult(u Update) RequestUpdateResult {
	return RequestUpdateResult{Kind: ResultUpdate, Update: u}
}

// Validate checks a decoded result before its payload length is trusted.
func (r RequestUpdateResult) Validate() error {
	switch r.Kind {
	case ResultNoUpdate:
		return nil
	case ResultUpdate:
		return r.Update.Kind.Validate()
	default:
		return fmt.Errorf("%w: result kind %d", ErrUnknownVariant, r.Kind)
	}
}

// CommandKind discriminates ClientCommand variants.
type CommandKind uint8

const (
	CommandRequestUpdate CommandKind = 0
)

// ClientCommand is sent by the device to the backend.
type ClientCommand struct {
	Kind     CommandKind
	DeviceID DeviceID
	// After is the cursor: the highest message id the device has consumed.
	After NullMessageID
}

// RequestUpdate asks for the next message for device after the cursor.
func RequestUpdate(device DeviceID, after NullMessageID) ClientCommand {
	return ClientCommand{Kind: CommandRequestUpdate, DeviceID: device, After: after}
}
