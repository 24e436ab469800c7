package wiegand

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Config holds decoder timing.
type Config struct {
	// InterBitTimeout is the silence that ends a frame. Defaults to 100ms.
	InterBitTimeout time.Duration
	// PollInterval is how often the frame boundary is checked. Defaults to 10ms.
	PollInterval time.Duration
}

// Decoder accumulates bits from the D0/D1 edge callbacks and, after a
// quiet period, decodes them. Edge callbacks only append; decoding and
// delivery happen on the poll goroutine.
type Decoder struct {
	timeout time.Duration
	poll    time.Duration
	emit    func(types.CredentialEvent)
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	bits    []byte
	lastBit time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecoder creates a decoder that passes decoded card numbers to emit.
// Call Start to begin polling.
func NewDecoder(cfg Config, emit func(types.CredentialEvent), logger *slog.Logger, m *metrics.Metrics) *Decoder {
	if cfg.InterBitTimeout <= 0 {
		cfg.InterBitTimeout = 100 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return &Decoder{
		timeout: cfg.InterBitTimeout,
		poll:    cfg.PollInterval,
		emit:    emit,
		logger:  logging.NewComponentLogger(logger, "wiegand"),
		metrics: m,
		now:     time.Now,
	}
}

// D0 records a 0 bit. Safe to call from an interrupt-style callback.
func (d *Decoder) D0() { d.push(0) }

// D1 records a 1 bit.
func (d *Decoder) D1() { d.push(1) }

func (d *Decoder) push(bit byte) {
	d.mu.Lock()
	d.bits = append(d.bits, bit)
	d.lastBit = d.now()
	d.mu.Unlock()
}

// SetInterBitTimeout changes the frame boundary for frames that end after
// the call.
func (d *Decoder) SetInterBitTimeout(t time.Duration) {
	if t <= 0 {
		return
	}
	d.mu.Lock()
	d.timeout = t
	d.mu.Unlock()
}

// Start runs the poll loop until ctx is cancelled or Stop is called. A
// stopped decoder may be started again.
func (d *Decoder) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.loop(ctx, d.done)
}

// Stop ends the poll loop and waits for it.
func (d *Decoder) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
}

func (d *Decoder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll()
		}
	}
}

// Poll decodes the buffer if the line has been quiet long enough. It
// returns the reading and true when a frame was consumed.
func (d *Decoder) Poll() (Reading, bool) {
	now := d.now()

	d.mu.Lock()
	if len(d.bits) == 0 || now.Sub(d.lastBit) <= d.timeout {
		d.mu.Unlock()
		return Reading{}, false
	}
	bits := d.bits
	d.bits = nil
	d.mu.Unlock()

	r := Decode(bits)
	d.metrics.WiegandReading(r.Format)

	if r.Kind == KindRaw {
		d.logger.Warn("unsupported wiegand frame length",
			logging.Int("bits", len(bits)), logging.String("raw", r.Raw))
		return r, true
	}

	d.logger.Info("card read",
		logging.String("format", r.Format),
		logging.String("credential", r.Credential),
		logging.Bool("parity_ok", r.ParityOK))
	if d.emit != nil {
		d.emit(types.CredentialEvent{Code: r.Credential, ReceivedAt: now, Source: "wiegand"})
	}
	return r, true
}

// Inject routes a credential typed in by an operator through the same path
// as a decoded card.
func (d *Decoder) Inject(code string) {
	d.logger.Info("credential injected", logging.String("credential", code))
	if d.emit != nil {
		d.emit(types.CredentialEvent{Code: code, ReceivedAt: d.now(), Source: "manual"})
	}
}
