package types

import (
	"image"
	"time"
)

// Frame is a packed RGB24 image. Once handed to a subscriber it is never
// written again.
type Frame struct {
	Seq      uint64
	Device   int
	Captured time.Time
	Width    int
	Height   int
	Pix      []byte // len == Width*Height*3
}

// Clone returns a copy with its own pixel buffer.
func (f Frame) Clone() Frame {
	out := f
	out.Pix = append([]byte(nil), f.Pix...)
	return out
}

// Bounds returns the frame rectangle.
func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// RGBA converts the frame into a standard library image.
func (f Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
