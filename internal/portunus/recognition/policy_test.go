package recognition_test

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/recognition"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// fakeCapability returns one face per configured embedding.
type fakeCapability struct {
	embeddings [][]float64
	detectErr  error
	delay      time.Duration
	calls      atomic.Int64
}

func (c *fakeCapability) Detect(ctx context.Context, _ types.Frame) ([]types.Box, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.detectErr != nil {
		return nil, c.detectErr
	}
	boxes := make([]types.Box, len(c.embeddings))
	for i := range boxes {
		boxes[i] = image.Rect(i*10, 0, i*10+10, 10)
	}
	return boxes, nil
}

func (c *fakeCapability) Encode(_ context.Context, _ types.Frame, boxes []types.Box) ([][]float64, error) {
	return c.embeddings[:len(boxes)], nil
}

func newPolicy(t *testing.T, c recognition.Capability, enrolled map[string][]float64) (*recognition.Policy, map[string]int64) {
	t.Helper()
	ids := memory.New().Identities()
	ctx := context.Background()
	out := map[string]int64{}
	for name, emb := range enrolled {
		id, err := ids.Create(ctx, store.NewIdentity{Name: name, Embedding: emb})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		out[name] = id.ID
	}
	cache := recognition.NewGalleryCache(ids, logging.NewNop(), nil)
	if _, err := cache.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return recognition.NewPolicy(c, cache, 0.55), out
}

func TestPolicy_RecognizeKnownAndUnknown(t *testing.T) {
	c := &fakeCapability{embeddings: [][]float64{{0.1, 0}, {5, 5}}}
	p, ids := newPolicy(t, c, map[string][]float64{"alice": {0, 0}})

	captured := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	res, err := p.Recognize(context.Background(), types.Frame{Seq: 7, Captured: captured})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.FrameSeq != 7 || !res.FrameTime.Equal(captured) {
		t.Errorf("frame metadata not carried: %+v", res)
	}
	if len(res.Faces) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(res.Faces))
	}
	if !res.Faces[0].Known() || *res.Faces[0].IdentityID != ids["alice"] || res.Faces[0].Name != "alice" {
		t.Errorf("first face should be alice, got %+v", res.Faces[0])
	}
	if res.Faces[1].Known() {
		t.Errorf("second face should be unknown, got %+v", res.Faces[1])
	}
}

func TestPolicy_NoFaces(t *testing.T) {
	p, _ := newPolicy(t, &fakeCapability{}, nil)
	res, err := p.Recognize(context.Background(), types.Frame{})
	if err != nil || len(res.Faces) != 0 {
		t.Fatalf("expected empty result, got %+v err=%v", res, err)
	}
}

func TestPolicy_ToleranceIsHot(t *testing.T) {
	c := &fakeCapability{embeddings: [][]float64{{0.5, 0}}}
	p, _ := newPolicy(t, c, map[string][]float64{"bob": {0, 0}})

	res, _ := p.Recognize(context.Background(), types.Frame{})
	if !res.Faces[0].Known() {
		t.Fatal("0.5 should match at 0.55")
	}
	p.SetTolerance(0.3)
	res, _ = p.Recognize(context.Background(), types.Frame{})
	if res.Faces[0].Known() {
		t.Fatal("0.5 should not match at 0.3")
	}
}

// ── Dispatcher ───────────────────────────────────────────────────────────────

func TestDispatcher_DropsWhileBusy(t *testing.T) {
	c := &fakeCapability{embeddings: [][]float64{{0, 0}}, delay: 100 * time.Millisecond}
	p, _ := newPolicy(t, c, nil)

	results := make(chan types.RecognitionResult, 4)
	d := recognition.NewDispatcher(recognition.DispatcherConfig{MaxPerSecond: 1000}, p,
		func(r types.RecognitionResult) { results <- r }, nil, logging.NewNop(), nil)
	d.Start(context.Background())
	defer d.Stop()

	if !d.Submit(types.Frame{Seq: 1}) {
		t.Fatal("first frame should be accepted")
	}
	for i := 2; i < 10; i++ {
		if d.Submit(types.Frame{Seq: uint64(i)}) {
			t.Fatalf("frame %d accepted while busy", i)
		}
	}

	select {
	case r := <-results:
		if r.FrameSeq != 1 {
			t.Errorf("expected result for frame 1, got %d", r.FrameSeq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	if n := c.calls.Load(); n != 1 {
		t.Errorf("expected exactly one recognition call, got %d", n)
	}
}

func TestDispatcher_RejectsBeforeStart(t *testing.T) {
	p, _ := newPolicy(t, &fakeCapability{}, nil)
	d := recognition.NewDispatcher(recognition.DispatcherConfig{}, p, nil, nil, logging.NewNop(), nil)
	if d.Submit(types.Frame{}) {
		t.Fatal("Submit before Start must drop")
	}
}

func TestDispatcher_ErrorsReported(t *testing.T) {
	c := &fakeCapability{detectErr: errors.New("model crashed")}
	p, _ := newPolicy(t, c, nil)

	errc := make(chan error, 1)
	d := recognition.NewDispatcher(recognition.DispatcherConfig{}, p, nil,
		func(err error) { errc <- err }, logging.NewNop(), nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Submit(types.Frame{})
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

// blockingRecognizer ignores cancellation until released.
type blockingRecognizer struct {
	release chan struct{}
}

func (b *blockingRecognizer) Recognize(context.Context, types.Frame) (types.RecognitionResult, error) {
	<-b.release
	return types.RecognitionResult{}, nil
}

func TestDispatcher_StopIsBounded(t *testing.T) {
	rec := &blockingRecognizer{release: make(chan struct{})}
	defer close(rec.release)

	var mu sync.Mutex
	delivered := false
	d := recognition.NewDispatcher(recognition.DispatcherConfig{StopTimeout: 50 * time.Millisecond}, rec,
		func(types.RecognitionResult) {
			mu.Lock()
			delivered = true
			mu.Unlock()
		}, nil, logging.NewNop(), nil)
	d.Start(context.Background())
	d.Submit(types.Frame{})

	start := time.Now()
	if d.Stop() {
		t.Error("expected Stop to report an abandoned call")
	}
	if time.Since(start) > time.Second {
		t.Error("Stop waited too long")
	}
	if d.Submit(types.Frame{}) {
		t.Error("Submit after Stop must drop")
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered {
		t.Error("no result should be delivered after Stop")
	}
}
