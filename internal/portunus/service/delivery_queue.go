package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// DeliveryConfig controls the delivery worker. Zero values get defaults.
type DeliveryConfig struct {
	Endpoint     string
	KioskID      string
	SessionID    string
	Encoding     string
	Timeout      time.Duration
	RetryDelay   time.Duration
	PollInterval time.Duration
	BatchSize    int
	SendSpacing  time.Duration
	StopTimeout  time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.Encoding == "" {
		c.Encoding = EncodingJSON
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.SendSpacing < 0 {
		c.SendSpacing = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// Payload is the body posted for one admission event.
type Payload struct {
	IdentityID   int64  `json:"identity_id"`
	IdentityName string `json:"identity_name"`
	Timestamp    string `json:"timestamp"`
	LocalEventID int64  `json:"local_event_id"`
	Method       string `json:"method"`
	KioskID      string `json:"kiosk_id"`
}

// CycleResult summarizes one delivery pass.
type CycleResult struct {
	Attempted int
	Sent      int
	// Backoff is set when the cycle stopped on a connection failure.
	Backoff bool
	// Next is how long the worker waits before the next pass.
	Next time.Duration
}

type sendOutcome int

const (
	sendOK sendOutcome = iota
	sendConnError
	sendRejected
)

// DeliveryQueue posts pending admission events to the remote endpoint.
// Rows stay pending until a 2xx response; nothing is dropped. The worker
// polls the store on its own so delivery survives restarts; Enqueue only
// shortens the wait.
type DeliveryQueue struct {
	events  store.EventStore
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool

	mu  sync.RWMutex
	cfg DeliveryConfig

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDeliveryQueue(cfg DeliveryConfig, events store.EventStore, logger *slog.Logger, m *metrics.Metrics) *DeliveryQueue {
	return &DeliveryQueue{
		events:  events,
		client:  &http.Client{},
		logger:  logging.NewComponentLogger(logger, "delivery"),
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
	}
}

// Config returns the active settings.
func (q *DeliveryQueue) Config() DeliveryConfig {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// UpdateConfig applies new settings from the next attempt on.
func (q *DeliveryQueue) UpdateConfig(cfg DeliveryConfig) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// Enqueue marks an event for near-term delivery. It never blocks.
func (q *DeliveryQueue) Enqueue(eventID int64) {
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.logger.Debug("event queued", logging.Int64(logging.FieldEventID, eventID))
}

// Fail moves a pending event to failed so it is no longer retried.
func (q *DeliveryQueue) Fail(ctx context.Context, eventID int64) error {
	if err := q.events.UpdateStatus(ctx, eventID, types.StatusFailed); err != nil {
		return err
	}
	q.logger.Info("event marked failed", logging.Int64(logging.FieldEventID, eventID))
	q.refreshPending(ctx)
	return nil
}

// Retry returns a failed event to pending and wakes the worker.
func (q *DeliveryQueue) Retry(ctx context.Context, eventID int64) error {
	if err := q.events.UpdateStatus(ctx, eventID, types.StatusPending); err != nil {
		return err
	}
	q.logger.Info("event requeued", logging.Int64(logging.FieldEventID, eventID))
	q.refreshPending(ctx)
	q.Enqueue(eventID)
	return nil
}

// Start launches the worker goroutine.
func (q *DeliveryQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx)

	cfg := q.Config()
	q.logger.Info("delivery worker started",
		logging.String("endpoint", cfg.Endpoint),
		logging.String("encoding", cfg.Encoding),
		logging.Duration("poll_interval", cfg.PollInterval))
}

// Stop cancels the worker and waits up to StopTimeout. It returns false if
// the worker had to be abandoned.
func (q *DeliveryQueue) Stop() bool {
	if q.cancel == nil {
		return true
	}
	q.cancel()

	timeout := q.Config().StopTimeout
	select {
	case <-q.done:
		return true
	case <-time.After(timeout):
		q.logger.Warn("delivery worker did not stop in time", logging.Duration("timeout", timeout))
		return false
	}
}

func (q *DeliveryQueue) loop(ctx context.Context) {
	defer close(q.done)

	for {
		res := q.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(res.Next)
		if res.Backoff {
			// A new event does not cut a connection backoff short.
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunCycle delivers one batch of pending events.
func (q *DeliveryQueue) RunCycle(ctx context.Context) CycleResult {
	cfg := q.Config()
	res := CycleResult{Next: cfg.PollInterval}

	if cfg.Endpoint == "" {
		return res
	}

	batch, err := q.events.ListPending(ctx, cfg.BatchSize)
	if err != nil {
		q.logger.Error("list pending events failed", logging.Error(err))
		return res
	}
	if len(batch) == 0 {
		q.metrics.SetPending(0)
		return res
	}

	for i, ev := range batch {
		if ctx.Err() != nil {
			return res
		}
		if i > 0 && cfg.SendSpacing > 0 && !q.sleep(ctx, cfg.SendSpacing) {
			return res
		}

		// The batch may be stale: an operator can fail an event after it was listed.
		if cur, err := q.events.Get(ctx, ev.ID); err == nil && cur.Status != types.StatusPending {
			q.logger.Info("event left the queue before delivery; skipping",
				logging.Int64(logging.FieldEventID, ev.ID),
				logging.String("status", string(cur.Status)))
			continue
		}

		res.Attempted++
		outcome, sendErr := q.send(ctx, cfg, ev)
		at := q.now().UTC()

		switch outcome {
		case sendOK:
			if err := q.events.RecordAttempt(ctx, ev.ID, at, ""); err != nil {
				q.logger.Warn("record attempt failed", logging.Int64(logging.FieldEventID, ev.ID), logging.Error(err))
			}
			if err := q.events.UpdateStatus(ctx, ev.ID, types.StatusSent); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					// Failed by an operator while the request was in flight.
					q.metrics.DeliveryAttempt("sent_after_fail")
					q.logger.Warn("event delivered after administrative fail; status left failed",
						logging.Int64(logging.FieldEventID, ev.ID))
					continue
				}
				q.logger.Error("mark event sent failed", logging.Int64(logging.FieldEventID, ev.ID), logging.Error(err))
				continue
			}
			res.Sent++
			q.metrics.DeliveryAttempt("sent")
			q.logger.Info("event delivered", logging.Int64(logging.FieldEventID, ev.ID))

		case sendConnError:
			q.recordFailure(ctx, ev.ID, at, sendErr)
			q.metrics.DeliveryAttempt("connection_error")
			q.logger.Warn("delivery endpoint unreachable; backing off",
				logging.Int64(logging.FieldEventID, ev.ID),
				logging.Duration("retry_delay", cfg.RetryDelay),
				logging.Error(sendErr))
			res.Backoff = true
			res.Next = cfg.RetryDelay
			q.refreshPending(ctx)
			return res

		case sendRejected:
			q.recordFailure(ctx, ev.ID, at, sendErr)
			q.metrics.DeliveryAttempt("rejected")
			q.logger.Warn("delivery rejected; will retry",
				logging.Int64(logging.FieldEventID, ev.ID),
				logging.Error(sendErr))
			if !q.sleep(ctx, cfg.RetryDelay/2) {
				return res
			}
		}
	}

	if res.Sent == len(batch) && len(batch) == cfg.BatchSize {
		// Probably more waiting.
		res.Next = 0
	}
	q.refreshPending(ctx)
	return res
}

func (q *DeliveryQueue) recordFailure(ctx context.Context, id int64, at time.Time, cause error) {
	if err := q.events.RecordAttempt(ctx, id, at, cause.Error()); err != nil {
		q.logger.Warn("record attempt failed", logging.Int64(logging.FieldEventID, id), logging.Error(err))
	}
}

func (q *DeliveryQueue) refreshPending(ctx context.Context) {
	counts, err := q.events.CountByStatus(ctx)
	if err != nil {
		return
	}
	q.metrics.SetPending(counts[types.StatusPending])
}

func (q *DeliveryQueue) send(ctx context.Context, cfg DeliveryConfig, ev types.AdmissionEvent) (sendOutcome, error) {
	p := Payload{
		IdentityID:   ev.IdentityID,
		IdentityName: ev.IdentityName,
		Timestamp:    ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		LocalEventID: ev.ID,
		Method:       string(ev.Method),
		KioskID:      cfg.KioskID,
	}
	body, contentType, err := EncodePayload(p, cfg.Encoding)
	if err != nil {
		return sendRejected, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return sendRejected, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", cfg.KioskID+"-"+strconv.FormatInt(ev.ID, 10))
	if cfg.SessionID != "" {
		req.Header.Set("X-Portunus-Session", cfg.SessionID)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return sendConnError, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sendRejected, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return sendOK, nil
}

// EncodePayload renders p as JSON or as a protobuf Struct.
func EncodePayload(p Payload, encoding string) ([]byte, string, error) {
	switch encoding {
	case EncodingProtobuf:
		s, err := structpb.NewStruct(map[string]any{
			"identity_id":    p.IdentityID,
			"identity_name":  p.IdentityName,
			"timestamp":      p.Timestamp,
			"local_event_id": p.LocalEventID,
			"method":         p.Method,
			"kiosk_id":       p.KioskID,
		})
		if err != nil {
			return nil, "", fmt.Errorf("encode payload: %w", err)
		}
		b, err := proto.Marshal(s)
		if err != nil {
			return nil, "", fmt.Errorf("encode payload: %w", err)
		}
		return b, "application/x-protobuf", nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, "", fmt.Errorf("encode payload: %w", err)
		}
		return b, "application/json", nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
