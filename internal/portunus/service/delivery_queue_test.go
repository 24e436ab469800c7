package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

type received struct {
	mu       sync.Mutex
	payloads []Payload
	keys     []string
}

func (r *received) handler(status *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var p Payload
		_ = json.NewDecoder(req.Body).Decode(&p)
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.keys = append(r.keys, req.Header.Get("Idempotency-Key"))
		r.mu.Unlock()
		code := http.StatusOK
		if status != nil && status.Load() != 0 {
			code = int(status.Load())
		}
		w.WriteHeader(code)
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// downTransport fails every request at the connection level while down.
type downTransport struct {
	down atomic.Bool
	next http.RoundTripper
}

func (d *downTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return d.next.RoundTrip(req)
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func newQueue(t *testing.T, endpoint string) (*DeliveryQueue, *memory.Store, *sleepLog) {
	t.Helper()
	mem := memory.New()
	q := NewDeliveryQueue(DeliveryConfig{
		Endpoint:    endpoint,
		KioskID:     "kiosk-7",
		Timeout:     2 * time.Second,
		RetryDelay:  30 * time.Second,
		BatchSize:   5,
		SendSpacing: 500 * time.Millisecond,
	}, mem.Events(), logging.NewNop(), nil)
	sl := &sleepLog{}
	q.sleep = sl.sleep
	return q, mem, sl
}

func appendEvents(t *testing.T, mem *memory.Store, name string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	id, err := mem.Identities().Create(ctx, store.NewIdentity{Name: name, Embedding: []float64{1}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < n; i++ {
		eid, err := mem.Events().Append(ctx, id.ID, base.Add(time.Duration(i)*time.Second), types.MethodFace)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, eid)
	}
	return ids
}

func statusOf(t *testing.T, mem *memory.Store, id int64) types.AdmissionEvent {
	t.Helper()
	ev, err := mem.Events().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return ev
}

// ── Cycles ───────────────────────────────────────────────────────────────────

func TestDeliveryQueue_DeliversOldestFirst(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	q, mem, sl := newQueue(t, srv.URL)
	ids := appendEvents(t, mem, "alice", 3)

	res := q.RunCycle(context.Background())
	if res.Sent != 3 || res.Backoff {
		t.Fatalf("unexpected cycle result %+v", res)
	}
	for i, id := range ids {
		if ev := statusOf(t, mem, id); ev.Status != types.StatusSent || ev.Attempts != 1 {
			t.Errorf("event %d: %+v", id, ev)
		}
		p := rec.payloads[i]
		if p.LocalEventID != id || p.IdentityName != "alice" || p.KioskID != "kiosk-7" || p.Method != "face" {
			t.Errorf("payload %d: %+v", i, p)
		}
		if _, err := time.Parse(time.RFC3339Nano, p.Timestamp); err != nil {
			t.Errorf("timestamp %q not RFC 3339: %v", p.Timestamp, err)
		}
		if want := "kiosk-7-" + strconv.FormatInt(id, 10); rec.keys[i] != want {
			t.Errorf("Idempotency-Key = %q, want %q", rec.keys[i], want)
		}
	}
	if len(sl.waits) != 2 || sl.waits[0] != 500*time.Millisecond {
		t.Errorf("expected spacing between sends, got %v", sl.waits)
	}
}

func TestDeliveryQueue_BatchLimit(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	q, mem, _ := newQueue(t, srv.URL)
	appendEvents(t, mem, "bob", 7)

	res := q.RunCycle(context.Background())
	if res.Attempted != 5 || res.Next != 0 {
		t.Fatalf("first cycle %+v, want 5 attempts and immediate follow-up", res)
	}
	res = q.RunCycle(context.Background())
	if res.Attempted != 2 || res.Next == 0 {
		t.Fatalf("second cycle %+v", res)
	}
}

func TestDeliveryQueue_UnreachableStaysPendingThenSends(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	q, mem, _ := newQueue(t, srv.URL)
	tr := &downTransport{next: http.DefaultTransport}
	tr.down.Store(true)
	q.client.Transport = tr
	ids := appendEvents(t, mem, "carol", 2)

	const cycles = 4
	for i := 0; i < cycles; i++ {
		res := q.RunCycle(context.Background())
		if !res.Backoff || res.Next != 30*time.Second || res.Attempted != 1 {
			t.Fatalf("cycle %d: %+v, want abort with full retry delay", i, res)
		}
		for _, id := range ids {
			if ev := statusOf(t, mem, id); ev.Status != types.StatusPending {
				t.Fatalf("cycle %d: event %d left pending state: %s", i, id, ev.Status)
			}
		}
	}
	if ev := statusOf(t, mem, ids[0]); ev.Attempts != cycles || ev.LastError == "" {
		t.Errorf("attempts not recorded: %+v", ev)
	}

	tr.down.Store(false)
	res := q.RunCycle(context.Background())
	if res.Sent != 2 {
		t.Fatalf("recovery cycle %+v", res)
	}
	for _, id := range ids {
		if ev := statusOf(t, mem, id); ev.Status != types.StatusSent || ev.LastError != "" {
			t.Errorf("event %d after recovery: %+v", id, ev)
		}
	}
	if rec.count() != 2 {
		t.Errorf("server saw %d posts, want 2", rec.count())
	}
}

func TestDeliveryQueue_ServerErrorShortBackoffAndContinue(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	rec := &received{}
	srv := httptest.NewServer(rec.handler(&status))
	defer srv.Close()

	q, mem, sl := newQueue(t, srv.URL)
	ids := appendEvents(t, mem, "dave", 2)

	res := q.RunCycle(context.Background())
	if res.Backoff || res.Attempted != 2 || res.Sent != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, id := range ids {
		ev := statusOf(t, mem, id)
		if ev.Status != types.StatusPending || ev.Attempts != 1 {
			t.Errorf("event %d: %+v", id, ev)
		}
	}
	half := 0
	for _, w := range sl.waits {
		if w == 15*time.Second {
			half++
		}
	}
	if half != 2 {
		t.Errorf("expected two half-delay waits, got %v", sl.waits)
	}
}

func TestDeliveryQueue_NoEndpointSendsNothing(t *testing.T) {
	q, mem, _ := newQueue(t, "")
	ids := appendEvents(t, mem, "erin", 1)

	res := q.RunCycle(context.Background())
	if res.Attempted != 0 {
		t.Fatalf("attempted %d with no endpoint", res.Attempted)
	}
	if ev := statusOf(t, mem, ids[0]); ev.Status != types.StatusPending {
		t.Errorf("status = %s", ev.Status)
	}
}

func TestDeliveryQueue_ProtobufEncoding(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var s structpb.Struct
		if err := proto.Unmarshal(b, &s); err == nil && r.Header.Get("Content-Type") == "application/x-protobuf" {
			got.Store(s.AsMap())
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	q, mem, _ := newQueue(t, srv.URL)
	cfg := q.Config()
	cfg.Encoding = EncodingProtobuf
	q.UpdateConfig(cfg)
	ids := appendEvents(t, mem, "fay", 1)

	if res := q.RunCycle(context.Background()); res.Sent != 1 {
		t.Fatalf("cycle %+v", res)
	}
	m, ok := got.Load().(map[string]any)
	if !ok {
		t.Fatal("server did not receive a protobuf struct")
	}
	if m["identity_name"] != "fay" || m["local_event_id"] != float64(ids[0]) {
		t.Errorf("unexpected payload %v", m)
	}
}

// ── Administrative transitions ───────────────────────────────────────────────

func TestDeliveryQueue_FailAndRetry(t *testing.T) {
	q, mem, _ := newQueue(t, "")
	ctx := context.Background()
	ids := appendEvents(t, mem, "gus", 1)
	id := ids[0]

	if err := q.Fail(ctx, id); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if ev := statusOf(t, mem, id); ev.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", ev.Status)
	}
	pending, _ := mem.Events().ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatal("failed event must not be listed as pending")
	}

	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if ev := statusOf(t, mem, id); ev.Status != types.StatusPending {
		t.Fatalf("status = %s, want pending", ev.Status)
	}

	if err := mem.Events().UpdateStatus(ctx, id, types.StatusSent); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := q.Fail(ctx, id); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("sent must be terminal, got %v", err)
	}
}

func TestDeliveryQueue_FailWhileSendingKeepsFailed(t *testing.T) {
	var (
		q    *DeliveryQueue
		ids  []int64
		once sync.Once
		hits atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// The operator fails both the in-flight event and the next one in the batch.
		once.Do(func() {
			for _, id := range ids {
				if err := q.Fail(context.Background(), id); err != nil {
					t.Errorf("Fail %d: %v", id, err)
				}
			}
		})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, mem, _ := newQueue(t, srv.URL)
	ids = appendEvents(t, mem, "hal", 2)

	res := q.RunCycle(context.Background())
	if res.Attempted != 1 || res.Sent != 0 {
		t.Fatalf("attempted=%d sent=%d, want 1 and 0", res.Attempted, res.Sent)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("expected the failed event to be skipped, endpoint saw %d requests", n)
	}
	for _, id := range ids {
		if ev := statusOf(t, mem, id); ev.Status != types.StatusFailed {
			t.Errorf("event %d status = %s, want failed", id, ev.Status)
		}
	}
}

// ── Worker lifecycle ─────────────────────────────────────────────────────────

func TestDeliveryQueue_EnqueueWakesWorker(t *testing.T) {
	rec := &received{}
	srv := httptest.NewServer(rec.handler(nil))
	defer srv.Close()

	q, mem, _ := newQueue(t, srv.URL)
	cfg := q.Config()
	cfg.PollInterval = time.Hour
	q.UpdateConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	ids := appendEvents(t, mem, "hal", 1)
	q.Enqueue(ids[0])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if statusOf(t, mem, ids[0]).Status == types.StatusSent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("enqueued event was not delivered")
}

func TestDeliveryQueue_StopInterruptsHangingRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	q, mem, _ := newQueue(t, srv.URL)
	cfg := q.Config()
	cfg.Timeout = time.Minute
	cfg.StopTimeout = 2 * time.Second
	q.UpdateConfig(cfg)
	appendEvents(t, mem, "ivy", 1)

	q.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if !q.Stop() {
		t.Fatal("worker did not stop")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Stop took %v", time.Since(start))
	}
}
