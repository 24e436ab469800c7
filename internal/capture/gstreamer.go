//go:build gstreamer

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// GStreamerAvailable reports whether this binary was built with the
// gstreamer tag.
const GStreamerAvailable = true

// NewGStreamerOpener opens /dev/video<index> through
// v4l2src → videoconvert → videoscale → capsfilter(RGB) → appsink.
// The appsink keeps only the newest buffer so reads never lag.
func NewGStreamerOpener(width, height int) Opener {
	return OpenerFunc(func(index int) (Device, error) {
		return openGStreamer(index, width, height)
	})
}

type gstDevice struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	width    int
	height   int

	closeOnce sync.Once
	closeErr  error
}

func openGStreamer(index, width, height int) (*gstDevice, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("create v4l2src: %w", err)
	}
	src.SetProperty("device", fmt.Sprintf("/dev/video%d", index))

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, convert, scale, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, convert, scale, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	return &gstDevice{pipeline: pipeline, sink: sink, width: width, height: height}, nil
}

func (d *gstDevice) Read(_ context.Context) (types.Frame, error) {
	sample := d.sink.PullSample()
	if sample == nil {
		if d.sink.IsEOS() {
			return types.Frame{}, errors.New("camera stream ended")
		}
		return types.Frame{}, errors.New("no sample from appsink")
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return types.Frame{}, errors.New("sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) != d.width*d.height*3 {
		buffer.Unmap()
		return types.Frame{}, fmt.Errorf("unexpected buffer size %d for %dx%d RGB", len(data), d.width, d.height)
	}
	pix := make([]byte, len(data))
	copy(pix, data)
	buffer.Unmap()

	return types.Frame{
		Captured: time.Now(),
		Width:    d.width,
		Height:   d.height,
		Pix:      pix,
	}, nil
}

// Close stops the pipeline, which also unblocks a pending PullSample.
func (d *gstDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.pipeline.SetState(gst.StateNull)
	})
	return d.closeErr
}
