package devwatch_test

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/devwatch"
)

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name  string
		ev    netlink.UEvent
		ok    bool
		dev   string
		index int
	}{
		{
			name:  "devname",
			ev:    netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"DEVNAME": "/dev/video2"}},
			ok:    true,
			dev:   "/dev/video2",
			index: 2,
		},
		{
			name:  "devpath fallback",
			ev:    netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"DEVPATH": "/devices/pci0000:00/usb1/video4linux/video10"}},
			ok:    true,
			dev:   "/dev/video10",
			index: 10,
		},
		{
			name: "change ignored",
			ev:   netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"DEVNAME": "/dev/video0"}},
		},
		{
			name: "no device",
			ev:   netlink.UEvent{Action: netlink.ADD, Env: map[string]string{}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok := devwatch.ParseEvent(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if c.Device != tc.dev || c.Index != tc.index {
				t.Errorf("got %+v", c)
			}
		})
	}
}

func TestMatcher_SelectsVideoDevices(t *testing.T) {
	m := devwatch.Matcher()
	video := netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "video4linux"}}
	block := netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}}
	if !m.Evaluate(video) {
		t.Error("video4linux add should match")
	}
	if m.Evaluate(block) {
		t.Error("block add should not match")
	}
}

func TestMonitor_NilSafe(t *testing.T) {
	var m *devwatch.Monitor
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start on nil monitor: %v", err)
	}
	m.Stop()
	if m.Running() {
		t.Error("nil monitor reported running")
	}
}

func TestMonitor_StopUnstarted(t *testing.T) {
	m := devwatch.New(nil, nil)
	m.Stop()
	if m.Running() {
		t.Error("unstarted monitor reported running")
	}
}
