// Package capture runs the camera acquisition loop. A Source owns one
// device, paces reads to the target frame rate, and hands every frame to
// its subscribers as a private copy.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

var ErrAlreadyRunning = errors.New("capture: source already running")

// Device is an opened camera. Close must unblock a concurrent Read.
type Device interface {
	Read(ctx context.Context) (types.Frame, error)
	Close() error
}

// Opener opens the camera at a device index.
type Opener interface {
	Open(index int) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(index int) (Device, error)

func (f OpenerFunc) Open(index int) (Device, error) { return f(index) }

// FrameHandler receives frames. It runs on the capture goroutine and must
// not block.
type FrameHandler func(f types.Frame)

// ErrorHandler receives the single terminal error of a run.
type ErrorHandler func(device int, err error)

type Config struct {
	Index         int
	FPS           int
	ReopenBackoff time.Duration // defaults to 500ms
	StopTimeout   time.Duration // defaults to 2s
}

type Source struct {
	cfg     Config
	opener  Opener
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	frameFns []FrameHandler
	errFns   []ErrorHandler
	cur      *runState
	cancel   context.CancelFunc
	done     chan struct{}
	seq      uint64
	lastErr  error
}

// runState is owned by one capture goroutine. A forced Stop closes its
// device without touching any later run.
type runState struct {
	mu  sync.Mutex
	dev Device
}

func (r *runState) set(dev Device) {
	r.mu.Lock()
	r.dev = dev
	r.mu.Unlock()
}

func (r *runState) get() Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev
}

func (r *runState) close(logger *slog.Logger) {
	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()
	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		logger.Warn("close camera", logging.Error(err))
	}
}

func NewSource(cfg Config, opener Opener, logger *slog.Logger, m *metrics.Metrics) *Source {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = 500 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Source{
		cfg:     cfg,
		opener:  opener,
		logger:  logging.NewComponentLogger(logger, "capture"),
		metrics: m,
		now:     time.Now,
	}
}

// OnFrame registers a frame subscriber.
func (s *Source) OnFrame(fn FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameFns = append(s.frameFns, fn)
}

// OnError registers a terminal-error subscriber.
func (s *Source) OnError(fn ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errFns = append(s.errFns, fn)
}

// Start launches the capture goroutine. A Source may be started again
// after Stop or after a terminal failure.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.cur = &runState{}
	s.lastErr = nil
	go s.run(ctx, s.cfg, s.cur, s.done)
	s.logger.Info("capture started", logging.Int(logging.FieldDevice, s.cfg.Index), logging.Int("fps", s.cfg.FPS))
	return nil
}

// SetConfig replaces the device index and pacing for the next Start. It
// fails with ErrAlreadyRunning while a run is active.
func (s *Source) SetConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyRunning
		}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = 500 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	s.cfg = cfg
	return nil
}

// Stop requests shutdown and waits up to StopTimeout. If the loop is
// still stuck in the device it closes the device to force it out and
// returns false without waiting further.
func (s *Source) Stop() bool {
	s.mu.Lock()
	cancel, done, cur := s.cancel, s.done, s.cur
	s.mu.Unlock()
	if done == nil {
		return true
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
	}

	s.logger.Warn("capture did not stop in time; closing device and abandoning loop",
		logging.Duration("timeout", timeout))
	cur.close(s.logger)

	s.mu.Lock()
	if s.done == done {
		s.done, s.cur, s.cancel = nil, nil, nil
	}
	s.mu.Unlock()
	return false
}

// Running reports whether the capture goroutine is alive.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the terminal error of the last run, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done is closed when the current run exits.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Source) run(ctx context.Context, cfg Config, rs *runState, done chan struct{}) {
	defer close(done)
	defer rs.close(s.logger)

	if !s.open(ctx, cfg.Index, rs, "open") {
		return
	}

	interval := time.Second / time.Duration(cfg.FPS)
	for {
		if ctx.Err() != nil {
			return
		}
		started := s.now()

		dev := rs.get()
		if dev == nil {
			return
		}
		frame, err := dev.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("frame read failed; reopening device",
				logging.Error(err), logging.Duration("backoff", cfg.ReopenBackoff))
			if !sleepCtx(ctx, cfg.ReopenBackoff) {
				return
			}
			rs.close(s.logger)
			if !s.open(ctx, cfg.Index, rs, "reopen") {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.dispatch(cfg.Index, frame)

		if rest := interval - s.now().Sub(started); rest > 0 {
			if !sleepCtx(ctx, rest) {
				return
			}
		}
	}
}

// open opens the device once. On failure it reports the terminal error
// and returns false.
func (s *Source) open(ctx context.Context, index int, rs *runState, op string) bool {
	dev, err := s.opener.Open(index)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.fail(index, fmt.Errorf("%s camera %d: %w", op, index, err))
		return false
	}
	rs.set(dev)
	return true
}

func (s *Source) dispatch(index int, f types.Frame) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	fns := append([]FrameHandler(nil), s.frameFns...)
	s.mu.Unlock()

	f.Seq = seq
	f.Device = index
	if f.Captured.IsZero() {
		f.Captured = s.now()
	}
	s.metrics.FrameCaptured()

	for _, fn := range fns {
		fn(f.Clone())
	}
}

func (s *Source) fail(index int, err error) {
	s.mu.Lock()
	s.lastErr = err
	fns := append([]ErrorHandler(nil), s.errFns...)
	s.mu.Unlock()

	s.logger.Error("capture stopped", logging.Error(err))
	for _, fn := range fns {
		fn(index, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
