//go:build !linux

package wiegand

import "errors"

type Lines struct{}

func OpenLines(string, int, int, *Decoder) (*Lines, error) {
	return nil, errors.New("wiegand: GPIO character device is only available on linux")
}

func (l *Lines) Close() error { return nil }
