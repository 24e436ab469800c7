//go:build dlib

package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

const DlibAvailable = true

// DlibCapability wraps a go-face recognizer. go-face detects and encodes
// in one pass, so Detect keeps the descriptors of the last frame and
// Encode returns them when asked about the same frame.
type DlibCapability struct {
	rec *face.Recognizer

	mu      sync.Mutex
	lastSeq uint64
	last    []face.Face
}

// NewDlibCapability loads the dlib models from modelDir
// (shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat,
// mmod_human_face_detector.dat).
func NewDlibCapability(modelDir string) (*DlibCapability, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load face models from %s: %w", modelDir, err)
	}
	return &DlibCapability{rec: rec}, nil
}

func (c *DlibCapability) Close() { c.rec.Close() }

func (c *DlibCapability) Detect(_ context.Context, f types.Frame) ([]types.Box, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.RGBA(), &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	faces, err := c.rec.Recognize(buf.Bytes())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastSeq, c.last = f.Seq, faces
	c.mu.Unlock()

	boxes := make([]types.Box, len(faces))
	for i, fc := range faces {
		boxes[i] = fc.Rectangle
	}
	return boxes, nil
}

func (c *DlibCapability) Encode(ctx context.Context, f types.Frame, boxes []types.Box) ([][]float64, error) {
	c.mu.Lock()
	faces, seq := c.last, c.lastSeq
	c.mu.Unlock()

	if seq != f.Seq || len(faces) != len(boxes) {
		if _, err := c.Detect(ctx, f); err != nil {
			return nil, err
		}
		c.mu.Lock()
		faces = c.last
		c.mu.Unlock()
	}

	out := make([][]float64, 0, len(boxes))
	for _, b := range boxes {
		fc, ok := findFace(faces, b)
		if !ok {
			return nil, fmt.Errorf("no descriptor for face at %v", b)
		}
		emb := make([]float64, len(fc.Descriptor))
		for i, v := range fc.Descriptor {
			emb[i] = float64(v)
		}
		out = append(out, emb)
	}
	return out, nil
}

func findFace(faces []face.Face, b types.Box) (face.Face, bool) {
	for _, fc := range faces {
		if fc.Rectangle == b {
			return fc, true
		}
	}
	return face.Face{}, false
}
