// Package devwatch reports camera hotplug events from the kernel's udev
// netlink socket.
package devwatch

import (
	"context"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
)

// Change is one video4linux add or remove.
type Change struct {
	Action string // "add" | "remove"
	Device string // e.g. /dev/video0
	Index  int    // -1 when the name has no trailing number
}

// Handler receives matched changes on the monitor goroutine.
type Handler func(ctx context.Context, c Change)

// Monitor listens for video4linux uevents.
type Monitor struct {
	logger  *slog.Logger
	handler Handler

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func New(logger *slog.Logger, handler Handler) *Monitor {
	return &Monitor{
		logger:  logging.NewComponentLogger(logger, "devwatch"),
		handler: handler,
	}
}

// Start connects to the netlink socket. Failure is not fatal: the kiosk
// runs without hotplug notices.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("netlink unavailable; camera hotplug notices disabled", logging.Error(err))
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.loop(ctx, conn, quit)

	m.logger.Info("camera hotplug monitor started")
	return nil
}

// Stop closes the socket and ends the loop.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	_ = m.conn.Close()
	m.conn = nil
	m.running = false
}

func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, Matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			c, ok := ParseEvent(ev)
			if !ok {
				continue
			}
			m.logger.Info("camera device changed",
				logging.String("action", c.Action),
				logging.String(logging.FieldDevice, c.Device))
			if m.handler != nil {
				m.handler(ctx, c)
			}
		case err := <-errs:
			m.logger.Warn("netlink monitor error", logging.Error(err))
		}
	}
}

// Matcher selects video4linux add and remove events.
func Matcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "video4linux"},
	})
	return rules
}

// ParseEvent extracts the device from a uevent.
func ParseEvent(ev netlink.UEvent) (Change, bool) {
	action := string(ev.Action)
	if action != "add" && action != "remove" {
		return Change{}, false
	}

	dev := ev.Env["DEVNAME"]
	if dev == "" {
		if p := ev.Env["DEVPATH"]; p != "" {
			dev = path.Base(p)
		}
	}
	if dev == "" {
		return Change{}, false
	}
	if !strings.HasPrefix(dev, "/dev/") {
		dev = "/dev/" + dev
	}
	return Change{Action: action, Device: dev, Index: deviceIndex(dev)}, true
}

func deviceIndex(dev string) int {
	base := path.Base(dev)
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	if i == len(base) {
		return -1
	}
	n, err := strconv.Atoi(base[i:])
	if err != nil {
		return -1
	}
	return n
}
