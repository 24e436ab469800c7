//go:build !linux

package actuator

import (
	"errors"
	"log/slog"
)

type PinConfig struct {
	Chip     string
	RelayPin int
	GreenPin int
	RedPin   int
}

func OpenGPIO(PinConfig, *slog.Logger) (*Driver, error) {
	return nil, errors.New("actuator: GPIO character device is only available on linux")
}
