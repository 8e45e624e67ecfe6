package message

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"unicode/utf8"

	"golang.org/x/image/draw"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

var (
	// ErrTextTooLong is returned by NewText for text that does not fit a
	// device text slot.
	ErrTextTooLong = errors.New("text too long")

	// ErrInvalidText is returned for text that is not valid UTF-8.
	ErrInvalidText = errors.New("text is not valid UTF-8")

	// ErrImageSize is returned when a raw image is not exactly one frame.
	ErrImageSize = errors.New("image buffer has wrong size")
)

// Content is what a message shows. Text is set for text content and Image
// (exactly protocol.ImageBufferSize bytes of RGB565) for image content.
type Content struct {
	Kind  protocol.ContentKind
	Text  string
	Image []byte
}

// NewText returns text content, rejecting anything a device cannot hold.
func NewText(s string) (Content, error) {
	c := Content{Kind: protocol.KindText, Text: s}
	if err := c.Validate(); err != nil {
		return Content{}, err
	}
	return c, nil
}

// SplitText cuts s into as many text contents as needed. Chunks break on
// rune boundaries and the last one keeps the remainder.
func SplitText(s string) ([]Content, error) {
	if !utf8.ValidString(s) {
		return nil, ErrInvalidText
	}
	chunks := protocol.SplitText(s)
	out := make([]Content, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, Content{Kind: protocol.KindText, Text: chunk})
	}
	return out, nil
}

// NewImage returns image content from a raw RGB565 frame. The buffer is
// copied.
func NewImage(raw []byte) (Content, error) {
	if len(raw) != protocol.ImageBufferSize {
		return Content{}, fmt.Errorf("%w: got %d bytes, want %d", ErrImageSize, len(raw), protocol.ImageBufferSize)
	}
	return Content{Kind: protocol.KindImage, Image: bytes.Clone(raw)}, nil
}

// DecodeImage reads either a raw frame or an encoded PNG, JPEG or GIF and
// returns it as image content.
func DecodeImage(r io.Reader) (Content, error) {
	data, err := io.ReadAll(io.LimitReader(r, 16<<20))
	if err != nil {
		return Content{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == protocol.ImageBufferSize {
		return NewImage(data)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Content{}, fmt.Errorf("decode image: %w", err)
	}
	return ConvertImage(img), nil
}

// ConvertImage scales img to the panel size and packs it as big-endian
// RGB565.
func ConvertImage(img image.Image) Content {
	dst := image.NewRGBA(image.Rect(0, 0, protocol.ImageWidth, protocol.ImageHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	buf := make([]byte, 0, protocol.ImageBufferSize)
	for y := 0; y < protocol.ImageHeight; y++ {
		for x := 0; x < protocol.ImageWidth; x++ {
			i := dst.PixOffset(x, y)
			px := RGB565(dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2])
			buf = append(buf, byte(px>>8), byte(px))
		}
	}
	return Content{Kind: protocol.KindImage, Image: buf}
}

// RGB565 packs an 8-bit colour into the panel's pixel format.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}

// UpdateKind returns the wire kind announcing c.
func (c Content) UpdateKind() protocol.UpdateKind {
	if c.Kind == protocol.KindText {
		return protocol.TextKind(uint16(len(c.Text)))
	}
	return protocol.ImageKind()
}

// Bytes returns the payload streamed after the Update header.
func (c Content) Bytes() []byte {
	if c.Kind == protocol.KindText {
		return []byte(c.Text)
	}
	return c.Image
}

// Validate checks that c can be delivered to a device.
func (c Content) Validate() error {
	switch c.Kind {
	case protocol.KindText:
		if len(c.Text) > protocol.TextBufferSize {
			return fmt.Errorf("%w: %d bytes, max %d", ErrTextTooLong, len(c.Text), protocol.TextBufferSize)
		}
		if !utf8.ValidString(c.Text) {
			return ErrInvalidText
		}
		return nil
	case protocol.KindImage:
		if len(c.Image) != protocol.ImageBufferSize {
			return fmt.Errorf("%w: got %d bytes, want %d", ErrImageSize, len(c.Image), protocol.ImageBufferSize)
		}
		return nil
	default:
		return fmt.Errorf("unknown content kind %d", c.Kind)
	}
}
