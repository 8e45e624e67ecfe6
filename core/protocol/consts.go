package protocol

import "time"

const (
	// TextLines and TextColumns describe the character grid of the panel.
	TextLines   = 8
	TextColumns = 17
	// TextBufferSize is the maximum size in bytes of a text payload.
	TextBufferSize = TextLines * TextColumns

	// ImageWidth and ImageHeight are the panel dimensions in pixels.
	ImageWidth  = 160
	ImageHeight = 128
	// ImageBytesPerPixel is the size of one RGB565 pixel.
	ImageBytesPerPixel = 2
	// ImageBufferSize is the exact size in bytes of every image payload.
	ImageBufferSize = ImageWidth * ImageHeight * ImageBytesPerPixel
)

const (
	// DefaultDeviceID is used by devices that have no configured id.
	DefaultDeviceID DeviceID = 0xbabebabe
	// DefaultPort is the TCP port the backend accepts device sessions on.
	DefaultPort = 1338
	// SocketTimeout bounds every blocking read or write on a session.
	SocketTimeout = 10 * time.Second
)
