package types

import (
	"image"
	"time"
)

// Box is a detected face region in frame coordinates.
type Box = image.Rectangle

// FaceMatch is one detected face. IdentityID is nil for an unknown face;
// Distance is then the closest gallery distance (1.0 for an empty gallery).
type FaceMatch struct {
	Box        Box
	IdentityID *int64
	Name       string
	Distance   float64
}

func (m FaceMatch) Known() bool { return m.IdentityID != nil }

// RecognitionResult carries every face found in one frame.
type RecognitionResult struct {
	FrameSeq  uint64
	FrameTime time.Time
	Faces     []FaceMatch
}

// CredentialEvent is a decoded card number ready for admission.
type CredentialEvent struct {
	Code       string
	ReceivedAt time.Time
	Source     string // "wiegand" | "manual"
}
