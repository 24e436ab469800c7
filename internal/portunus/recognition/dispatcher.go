package recognition

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Recognizer is satisfied by *Policy.
type Recognizer interface {
	Recognize(ctx context.Context, f types.Frame) (types.RecognitionResult, error)
}

type DispatcherConfig struct {
	// MaxPerSecond caps recognition calls. Defaults to 10.
	MaxPerSecond float64
	// StopTimeout bounds how long Stop waits for an in-flight call.
	StopTimeout time.Duration
}

// Dispatcher moves frames off the capture goroutine onto a worker. At most
// one recognition call runs at a time; frames that arrive while it is busy
// are dropped, never queued.
type Dispatcher struct {
	rec      Recognizer
	onResult func(types.RecognitionResult)
	onError  func(error)
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	busy      atomic.Bool
	accepting atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, rec Recognizer, onResult func(types.RecognitionResult), onError func(error), logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxPerSecond <= 0 {
		cfg.MaxPerSecond = 10
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Dispatcher{
		rec:      rec,
		onResult: onResult,
		onError:  onError,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), 1),
		timeout:  cfg.StopTimeout,
		logger:   logging.NewComponentLogger(logger, "recognition"),
		metrics:  m,
	}
}

// Start enables Submit. Calls made before Start are dropped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()
	d.accepting.Store(true)
}

// SetRate changes the call cap.
func (d *Dispatcher) SetRate(perSecond float64) {
	if perSecond > 0 {
		d.limiter.SetLimit(rate.Limit(perSecond))
	}
}

// Busy reports whether a call is in flight.
func (d *Dispatcher) Busy() bool { return d.busy.Load() }

// Submit hands f to the worker if it is idle and the rate allows it. It
// never blocks and reports whether the frame was taken.
func (d *Dispatcher) Submit(f types.Frame) bool {
	if !d.accepting.Load() {
		d.metrics.FrameDropped("stopped")
		return false
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.metrics.FrameDropped("busy")
		return false
	}
	if !d.limiter.Allow() {
		d.busy.Store(false)
		d.metrics.FrameDropped("rate")
		return false
	}

	d.mu.Lock()
	ctx := d.ctx
	d.inflight.Add(1)
	d.mu.Unlock()

	go d.process(ctx, f)
	return true
}

func (d *Dispatcher) process(ctx context.Context, f types.Frame) {
	defer d.inflight.Done()
	defer d.busy.Store(false)

	start := time.Now()
	res, err := d.rec.Recognize(ctx, f)
	d.metrics.RecognitionDone(time.Since(start), err)

	if ctx.Err() != nil {
		// Stopped while this call ran; the result is stale.
		return
	}
	if err != nil {
		d.logger.Warn("recognition failed", logging.Error(err), logging.Int64("frame_seq", int64(f.Seq)))
		if d.onError != nil {
			d.onError(err)
		}
		return
	}
	if d.onResult != nil {
		d.onResult(res)
	}
}

// Stop refuses further frames, cancels the in-flight call and waits up to
// StopTimeout for it. It returns false if the call was abandoned.
func (d *Dispatcher) Stop() bool {
	d.accepting.Store(false)

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return true
	case <-time.After(d.timeout):
		d.logger.Warn("recognition call did not finish; abandoning it",
			logging.Duration("timeout", d.timeout))
		return false
	}
}
