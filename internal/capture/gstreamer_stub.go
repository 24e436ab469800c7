//go:build !gstreamer

package capture

import "errors"

const GStreamerAvailable = false

// NewGStreamerOpener returns an opener that always fails; rebuild with
// -tags gstreamer for camera support.
func NewGStreamerOpener(int, int) Opener {
	return OpenerFunc(func(int) (Device, error) {
		return nil, errors.New("camera backend unavailable: built without the gstreamer tag")
	})
}
