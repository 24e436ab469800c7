// Package recognition turns frames into identity matches. Face detection
// and encoding are consumed through Capability; this package owns the
// gallery, the distance policy, and the single-flight dispatch worker.
package recognition

import (
	"context"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Capability detects faces and encodes them into fixed-length embeddings.
// Implementations need not be safe for concurrent use; the dispatcher
// never runs two calls at once.
type Capability interface {
	Detect(ctx context.Context, f types.Frame) ([]types.Box, error)
	Encode(ctx context.Context, f types.Frame, boxes []types.Box) ([][]float64, error)
}
