package capture_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/capture"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// fakeDevice returns frames from a shared, reused buffer, the way real
// capture backends do. failAt makes the n-th read (1-based) fail.
type fakeDevice struct {
	mu     sync.Mutex
	buf    []byte
	reads  int
	failAt int
	block  bool
	closed chan struct{}
	once   sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{buf: make([]byte, 2*2*3), closed: make(chan struct{})}
}

func (d *fakeDevice) Read(ctx context.Context) (types.Frame, error) {
	d.mu.Lock()
	d.reads++
	n := d.reads
	block := d.block
	d.mu.Unlock()

	if block {
		// Ignores ctx on purpose: only Close unblocks it.
		<-d.closed
		return types.Frame{}, errors.New("closed")
	}
	if d.failAt != 0 && n == d.failAt {
		return types.Frame{}, errors.New("read failed")
	}
	d.mu.Lock()
	for i := range d.buf {
		d.buf[i] = byte(n)
	}
	d.mu.Unlock()
	return types.Frame{Width: 2, Height: 2, Pix: d.buf}, nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

type scriptedOpener struct {
	mu      sync.Mutex
	devices []*fakeDevice
	errs    []error
	opens   int
}

func (o *scriptedOpener) Open(int) (capture.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.opens
	o.opens++
	if i < len(o.errs) && o.errs[i] != nil {
		return nil, o.errs[i]
	}
	if i < len(o.devices) {
		return o.devices[i], nil
	}
	return newFakeDevice(), nil
}

func (o *scriptedOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func newSource(o capture.Opener, fps int) *capture.Source {
	return capture.NewSource(capture.Config{
		FPS:           fps,
		ReopenBackoff: 5 * time.Millisecond,
		StopTimeout:   100 * time.Millisecond,
	}, o, logging.NewNop(), nil)
}

func TestSource_FramesArePrivateCopies(t *testing.T) {
	src := newSource(&scriptedOpener{}, 100)

	frames := make(chan types.Frame, 16)
	src.OnFrame(func(f types.Frame) {
		select {
		case frames <- f:
		default:
		}
	})
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	first := <-frames
	firstByte := first.Pix[0]
	second := <-frames

	if first.Seq >= second.Seq {
		t.Errorf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}
	if first.Pix[0] != firstByte {
		t.Error("earlier frame changed after a later read")
	}
	if &first.Pix[0] == &second.Pix[0] {
		t.Error("frames share a pixel buffer")
	}
	if first.Captured.IsZero() {
		t.Error("expected capture timestamp")
	}
}

func TestSource_RespectsFrameRate(t *testing.T) {
	src := newSource(&scriptedOpener{}, 20) // 50ms interval

	var count atomic.Int64
	src.OnFrame(func(types.Frame) { count.Add(1) })
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	src.Stop()

	// 300ms at 20fps is about 6 frames; allow scheduling slack but catch a
	// loop that is not sleeping at all.
	if n := count.Load(); n > 10 || n < 2 {
		t.Errorf("expected roughly 6 frames, got %d", n)
	}
}

func TestSource_ReopensOnceAfterReadFailure(t *testing.T) {
	first := newFakeDevice()
	first.failAt = 2
	opener := &scriptedOpener{devices: []*fakeDevice{first, newFakeDevice()}}
	src := newSource(opener, 100)

	var errCount atomic.Int64
	src.OnError(func(int, error) { errCount.Add(1) })

	frames := make(chan types.Frame, 64)
	src.OnFrame(func(f types.Frame) {
		select {
		case frames <- f:
		default:
		}
	})
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	// One frame from the first device, then frames from the reopened one.
	for i := 0; i < 3; i++ {
		select {
		case <-frames:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	if opener.Opens() != 2 {
		t.Errorf("expected exactly 2 opens, got %d", opener.Opens())
	}
	if errCount.Load() != 0 {
		t.Errorf("recovered failure must not be reported, got %d errors", errCount.Load())
	}
}

func TestSource_ReopenFailureIsTerminal(t *testing.T) {
	first := newFakeDevice()
	first.failAt = 1
	opener := &scriptedOpener{
		devices: []*fakeDevice{first},
		errs:    []error{nil, errors.New("no such device")},
	}
	src := newSource(opener, 100)

	var errs []error
	var mu sync.Mutex
	src.OnError(func(dev int, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	var frames atomic.Int64
	src.OnFrame(func(types.Frame) { frames.Add(1) })

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("source did not terminate")
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %d", len(errs))
	}
	if frames.Load() != 0 {
		t.Errorf("expected no frames, got %d", frames.Load())
	}
	if opener.Opens() != 2 {
		t.Errorf("expected no retry beyond one reopen, got %d opens", opener.Opens())
	}
	if src.Running() {
		t.Error("source should report not running")
	}
	if src.Err() == nil {
		t.Error("expected terminal error to be kept")
	}
}

func TestSource_InitialOpenFailure(t *testing.T) {
	opener := &scriptedOpener{errs: []error{errors.New("busy")}}
	src := newSource(opener, 10)

	errc := make(chan error, 2)
	src.OnError(func(_ int, err error) { errc <- err })
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error report")
	}
	<-src.Done()
	if opener.Opens() != 1 {
		t.Errorf("initial failure must not reopen, got %d opens", opener.Opens())
	}
}

func TestSource_StopForcesStuckDevice(t *testing.T) {
	dev := newFakeDevice()
	dev.block = true
	src := newSource(&scriptedOpener{devices: []*fakeDevice{dev}}, 10)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	clean := src.Stop()
	if clean {
		t.Error("expected forced stop")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %s, expected bounded wait", elapsed)
	}
	select {
	case <-dev.closed:
	default:
		t.Error("forced stop must close the device")
	}

	// The source can be started again.
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	src.Stop()
}

func TestSource_StartTwice(t *testing.T) {
	src := newSource(&scriptedOpener{}, 10)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()
	if err := src.Start(context.Background()); !errors.Is(err, capture.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

// ── Grab ─────────────────────────────────────────────────────────────────────

func TestGrab_SkipsWarmupAndCloses(t *testing.T) {
	dev := newFakeDevice()
	op := &scriptedOpener{devices: []*fakeDevice{dev}}

	f, err := capture.Grab(context.Background(), op, 3, 2)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if f.Pix[0] != 3 || f.Device != 3 {
		t.Errorf("expected third frame from device 3, got pix=%d device=%d", f.Pix[0], f.Device)
	}
	select {
	case <-dev.closed:
	default:
		t.Error("device left open")
	}
}

func TestGrab_OpenError(t *testing.T) {
	op := &scriptedOpener{errs: []error{errors.New("busy")}}
	if _, err := capture.Grab(context.Background(), op, 0, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestSource_SetConfigRefusedWhileRunning(t *testing.T) {
	src := capture.NewSource(capture.Config{FPS: 50}, &scriptedOpener{}, logging.NewNop(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.SetConfig(capture.Config{Index: 1}); !errors.Is(err, capture.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	src.Stop()
	if err := src.SetConfig(capture.Config{Index: 1, FPS: 5}); err != nil {
		t.Fatalf("SetConfig after Stop: %v", err)
	}
}
