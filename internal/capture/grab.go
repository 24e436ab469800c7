package capture

import (
	"context"
	"fmt"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Grab opens the camera, discards warmup frames while exposure settles,
// and returns the next frame. The device is closed before returning.
func Grab(ctx context.Context, opener Opener, index, warmup int) (types.Frame, error) {
	dev, err := opener.Open(index)
	if err != nil {
		return types.Frame{}, fmt.Errorf("open camera %d: %w", index, err)
	}
	defer dev.Close()

	for i := 0; ; i++ {
		f, err := dev.Read(ctx)
		if err != nil {
			return types.Frame{}, fmt.Errorf("read camera %d: %w", index, err)
		}
		if i >= warmup {
			f.Device = index
			return f.Clone(), nil
		}
	}
}
