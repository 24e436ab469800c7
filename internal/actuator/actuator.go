// Package actuator drives the door relay and the grant/deny indicator
// LEDs. Every call is fire-and-forget: hardware errors are logged and
// never returned to the admission path.
package actuator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
)

// Line is one digital output.
type Line interface {
	SetValue(v int) error
	Close() error
}

// Lines groups the outputs a Driver controls. Green and Red may be nil.
type Lines struct {
	Relay Line
	Green Line
	Red   Line
}

// Driver pulses the relay and sets the indicator LEDs.
type Driver struct {
	lines  Lines
	logger *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func New(lines Lines, logger *slog.Logger) *Driver {
	return &Driver{lines: lines, logger: logging.NewComponentLogger(logger, "actuator")}
}

// Pulse energizes the relay for d. A pulse that starts while another is
// active extends it.
func (d *Driver) Pulse(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.set("relay", d.lines.Relay, 1)
	d.logger.Info("relay energized", logging.Duration("duration", dur))

	d.timer = time.AfterFunc(dur, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.gen != gen {
			return
		}
		d.set("relay", d.lines.Relay, 0)
		d.timer = nil
	})
}

// SetIndicator lights green for a grant and red otherwise.
func (d *Driver) SetIndicator(granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, r := 0, 1
	if granted {
		g, r = 1, 0
	}
	d.set("green", d.lines.Green, g)
	d.set("red", d.lines.Red, r)
}

// ClearIndicator turns both LEDs off.
func (d *Driver) ClearIndicator() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set("green", d.lines.Green, 0)
	d.set("red", d.lines.Red, 0)
}

// Close de-energizes the relay and releases every line.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.set("relay", d.lines.Relay, 0)
	d.set("green", d.lines.Green, 0)
	d.set("red", d.lines.Red, 0)

	var firstErr error
	for _, l := range []Line{d.lines.Relay, d.lines.Green, d.lines.Red} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Driver) set(name string, l Line, v int) {
	if l == nil {
		return
	}
	if err := l.SetValue(v); err != nil {
		d.logger.Warn("gpio write failed", logging.String("line", name), logging.Int("value", v), logging.Error(err))
	}
}

// logLine is an output that only logs, for kiosks without a relay board.
type logLine struct {
	name   string
	logger *slog.Logger
}

func (l logLine) SetValue(v int) error {
	l.logger.Debug("output", logging.String("line", l.name), logging.Int("value", v))
	return nil
}

func (logLine) Close() error { return nil }

// NewLogDriver returns a Driver whose outputs are log lines.
func NewLogDriver(logger *slog.Logger) *Driver {
	lg := logging.NewComponentLogger(logger, "actuator")
	return New(Lines{
		Relay: logLine{name: "relay", logger: lg},
		Green: logLine{name: "green", logger: lg},
		Red:   logLine{name: "red", logger: lg},
	}, logger)
}
