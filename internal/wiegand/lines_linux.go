//go:build linux

package wiegand

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Lines holds the two requested GPIO input lines.
type Lines struct {
	d0 *gpiocdev.Line
	d1 *gpiocdev.Line
}

// OpenLines requests D0 and D1 on chip as pulled-up falling-edge inputs
// and routes their edges into dec. No debounce: data pulses are ~50µs.
func OpenLines(chip string, d0Pin, d1Pin int, dec *Decoder) (*Lines, error) {
	d0, err := gpiocdev.RequestLine(chip, d0Pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { dec.D0() }),
	)
	if err != nil {
		return nil, fmt.Errorf("request wiegand D0 %s:%d: %w", chip, d0Pin, err)
	}
	d1, err := gpiocdev.RequestLine(chip, d1Pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { dec.D1() }),
	)
	if err != nil {
		_ = d0.Close()
		return nil, fmt.Errorf("request wiegand D1 %s:%d: %w", chip, d1Pin, err)
	}
	return &Lines{d0: d0, d1: d1}, nil
}

func (l *Lines) Close() error {
	return errors.Join(l.d0.Close(), l.d1.Close())
}
