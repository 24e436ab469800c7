package recognition

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// DefaultTolerance is the maximum distance that still counts as a match.
const DefaultTolerance = 0.55

// Policy runs detect → encode → match for one frame against the current
// gallery snapshot.
type Policy struct {
	capability Capability
	gallery    *GalleryCache
	tolerance  atomic.Uint64 // math.Float64bits
}

func NewPolicy(c Capability, gallery *GalleryCache, tolerance float64) *Policy {
	p := &Policy{capability: c, gallery: gallery}
	p.SetTolerance(tolerance)
	return p
}

// SetTolerance changes the match threshold for subsequent frames.
func (p *Policy) SetTolerance(t float64) {
	if t <= 0 || math.IsNaN(t) {
		t = DefaultTolerance
	}
	p.tolerance.Store(math.Float64bits(t))
}

func (p *Policy) Tolerance() float64 {
	return math.Float64frombits(p.tolerance.Load())
}

// Recognize returns one FaceMatch per detected face, in detection order.
func (p *Policy) Recognize(ctx context.Context, f types.Frame) (types.RecognitionResult, error) {
	res := types.RecognitionResult{FrameSeq: f.Seq, FrameTime: f.Captured}

	boxes, err := p.capability.Detect(ctx, f)
	if err != nil {
		return res, fmt.Errorf("detect faces: %w", err)
	}
	if len(boxes) == 0 {
		return res, nil
	}

	embeddings, err := p.capability.Encode(ctx, f, boxes)
	if err != nil {
		return res, fmt.Errorf("encode faces: %w", err)
	}
	if len(embeddings) != len(boxes) {
		return res, fmt.Errorf("encode faces: got %d embeddings for %d faces", len(embeddings), len(boxes))
	}

	g := p.gallery.Snapshot()
	tol := p.Tolerance()
	res.Faces = make([]types.FaceMatch, len(boxes))
	for i, emb := range embeddings {
		m := Compare(emb, g, tol)
		fm := types.FaceMatch{Box: boxes[i], Distance: m.Distance}
		if m.Entry != nil {
			id := m.Entry.ID
			fm.IdentityID = &id
			fm.Name = m.Entry.Name
		}
		res.Faces[i] = fm
	}
	return res, nil
}
