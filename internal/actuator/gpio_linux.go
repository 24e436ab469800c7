//go:build linux

package actuator

import (
	"fmt"
	"log/slog"

	"github.com/warthog618/go-gpiocdev"
)

// PinConfig names the output offsets on a GPIO chip. A negative LED pin
// leaves that LED unused.
type PinConfig struct {
	Chip     string
	RelayPin int
	GreenPin int
	RedPin   int
}

// OpenGPIO requests the relay and LED lines as outputs driven low.
func OpenGPIO(cfg PinConfig, logger *slog.Logger) (*Driver, error) {
	var lines Lines
	opened := []*gpiocdev.Line{}
	fail := func(err error) (*Driver, error) {
		for _, l := range opened {
			_ = l.Close()
		}
		return nil, err
	}

	relay, err := gpiocdev.RequestLine(cfg.Chip, cfg.RelayPin, gpiocdev.AsOutput(0))
	if err != nil {
		return fail(fmt.Errorf("request relay %s:%d: %w", cfg.Chip, cfg.RelayPin, err))
	}
	opened = append(opened, relay)
	lines.Relay = relay

	if cfg.GreenPin >= 0 {
		l, err := gpiocdev.RequestLine(cfg.Chip, cfg.GreenPin, gpiocdev.AsOutput(0))
		if err != nil {
			return fail(fmt.Errorf("request green LED %s:%d: %w", cfg.Chip, cfg.GreenPin, err))
		}
		opened = append(opened, l)
		lines.Green = l
	}
	if cfg.RedPin >= 0 {
		l, err := gpiocdev.RequestLine(cfg.Chip, cfg.RedPin, gpiocdev.AsOutput(0))
		if err != nil {
			return fail(fmt.Errorf("request red LED %s:%d: %w", cfg.Chip, cfg.RedPin, err))
		}
		opened = append(opened, l)
		lines.Red = l
	}
	return New(lines, logger), nil
}
