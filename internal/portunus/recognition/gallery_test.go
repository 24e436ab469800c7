package recognition_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/recognition"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

type failingLister struct{}

func (failingLister) List(context.Context) ([]types.Identity, error) {
	return nil, errors.New("db gone")
}

func TestGalleryCache_ReloadSwapsSnapshot(t *testing.T) {
	ids := memory.New().Identities()
	ctx := context.Background()
	cache := recognition.NewGalleryCache(ids, logging.NewNop(), nil)

	if cache.Snapshot().Len() != 0 {
		t.Fatal("new cache should start empty")
	}

	if _, err := ids.Create(ctx, store.NewIdentity{Name: "a", Embedding: []float64{1, 2}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := cache.Snapshot()

	n, err := cache.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n != 1 || cache.Snapshot().Len() != 1 {
		t.Fatalf("expected 1 identity, got n=%d len=%d", n, cache.Snapshot().Len())
	}
	if before.Len() != 0 {
		t.Error("old snapshot must not change after reload")
	}
}

func TestGalleryCache_ReloadErrorKeepsSnapshot(t *testing.T) {
	cache := recognition.NewGalleryCache(failingLister{}, logging.NewNop(), nil)
	snap := cache.Snapshot()
	if _, err := cache.Reload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if cache.Snapshot() != snap {
		t.Error("failed reload must keep the previous snapshot")
	}
}

func TestGalleryCache_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	ids := memory.New().Identities()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = ids.Create(ctx, store.NewIdentity{Name: "x", Embedding: []float64{float64(i)}})
	}
	cache := recognition.NewGalleryCache(ids, logging.NewNop(), nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := cache.Snapshot().Len()
				if n != 0 && n != 5 {
					t.Errorf("observed partial gallery of %d", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := cache.Reload(ctx); err != nil {
			t.Fatalf("Reload: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
