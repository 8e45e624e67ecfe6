package repository

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
)

// SampleDeviceID is the device the sample messages are addressed to when
// none is given.
const SampleDeviceID protocol.DeviceID = 0xcafebabe

// Seed inserts the sample conversation used to try out a device: a greeting,
// a picture and a follow-up text.
func Seed(ctx context.Context, repo Repository, device protocol.DeviceID, lifetime time.Duration) ([]protocol.MessageID, error) {
	greeting, err := message.NewText("Hi")
	if err != nil {
		return nil, err
	}
	followUp, err := message.NewText("Have a lovely day!")
	if err != nil {
		return nil, err
	}
	contents := []message.Content{greeting, message.ConvertImage(Heart()), followUp}

	ids := make([]protocol.MessageID, 0, len(contents))
	for _, c := range contents {
		id, err := repo.AddMessage(ctx, message.Insert{
			Meta:    message.Meta{ReceiverID: device, Lifetime: lifetime},
			Sender:  message.SenderSeed,
			Content: c,
		})
		if err != nil {
			return ids, fmt.Errorf("seed message: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Heart draws a red heart on white at the panel resolution.
func Heart() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, protocol.ImageWidth, protocol.ImageHeight))
	red := color.RGBA{R: 0xE0, G: 0x10, B: 0x30, A: 0xFF}
	for py := 0; py < protocol.ImageHeight; py++ {
		for px := 0; px < protocol.ImageWidth; px++ {
			// map to [-1.5, 1.5] with y pointing up
			x := (float64(px)/float64(protocol.ImageWidth-1))*3 - 1.5
			y := 1.5 - (float64(py)/float64(protocol.ImageHeight-1))*3
			a := x*x + y*y - 1
			if a*a*a-x*x*y*y*y <= 0 {
				img.SetRGBA(px, py, red)
			} else {
				img.SetRGBA(px, py, color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
			}
		}
	}
	return img
}
