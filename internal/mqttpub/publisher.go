// Package mqttpub mirrors kiosk status events onto an MQTT broker.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config selects the broker and topic root. Events go to <Topic>/<kind>.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	KioskID  string
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	KioskID string `json:"kiosk_id"`
	service.Event
}

// Publisher implements service.Observer.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	client client

	mu        sync.Mutex
	connected bool
	published uint64
	errors    uint64
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Connect dials the broker. The client reconnects on its own after the
// first connection.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{cfg: cfg, logger: logging.NewComponentLogger(logger, "mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established", logging.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost; reconnecting", logging.Error(err))
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	p.client = c
	p.setConnected(true)
	return p, nil
}

func newWithClient(cfg Config, c client, logger *slog.Logger) *Publisher {
	return &Publisher{cfg: cfg, client: c, connected: true, logger: logging.NewComponentLogger(logger, "mqtt")}
}

// Notify publishes e. Failures are counted and logged, never returned.
func (p *Publisher) Notify(e service.Event) {
	if err := p.publish(e); err != nil {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		p.logger.Warn("mqtt publish failed",
			logging.String("kind", string(e.Kind)),
			logging.Error(err))
	}
}

func (p *Publisher) publish(e service.Event) error {
	if !p.isConnected() {
		return fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(message{KioskID: p.cfg.KioskID, Event: e})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := p.cfg.Topic + "/" + string(e.Kind)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

// Close disconnects with a short quiesce period.
func (p *Publisher) Close() {
	p.setConnected(false)
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Publisher) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
