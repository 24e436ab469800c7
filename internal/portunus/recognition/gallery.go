package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Entry is one gallery identity.
type Entry struct {
	ID        int64
	Name      string
	Embedding []float64
}

// Gallery is an immutable snapshot. Never modify one after publishing it.
type Gallery struct {
	entries []Entry
}

func NewGallery(entries []Entry) *Gallery {
	cp := make([]Entry, len(entries))
	for i, e := range entries {
		cp[i] = Entry{ID: e.ID, Name: e.Name, Embedding: append([]float64(nil), e.Embedding...)}
	}
	return &Gallery{entries: cp}
}

func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Entries returns the snapshot's entries. Callers must treat them as read-only.
func (g *Gallery) Entries() []Entry {
	if g == nil {
		return nil
	}
	return g.entries
}

// IdentityLister is the slice of store.IdentityStore the cache needs.
type IdentityLister interface {
	List(ctx context.Context) ([]types.Identity, error)
}

// GalleryCache publishes whole Gallery snapshots. Readers see either the
// old or the new snapshot, never a mix.
type GalleryCache struct {
	source  IdentityLister
	logger  *slog.Logger
	metrics *metrics.Metrics
	current atomic.Pointer[Gallery]
}

func NewGalleryCache(source IdentityLister, logger *slog.Logger, m *metrics.Metrics) *GalleryCache {
	c := &GalleryCache{
		source:  source,
		logger:  logging.NewComponentLogger(logger, "gallery"),
		metrics: m,
	}
	c.current.Store(NewGallery(nil))
	return c
}

// Snapshot returns the active gallery.
func (c *GalleryCache) Snapshot() *Gallery { return c.current.Load() }

// Reload reads every identity and swaps in a new snapshot. On error the
// previous snapshot stays active.
func (c *GalleryCache) Reload(ctx context.Context) (int, error) {
	ids, err := c.source.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload gallery: %w", err)
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, Entry{ID: id.ID, Name: id.Name, Embedding: id.Embedding})
	}
	g := NewGallery(entries)
	c.current.Store(g)
	c.metrics.SetGallerySize(g.Len())
	c.logger.Info("gallery reloaded", logging.Int("identities", g.Len()))
	return g.Len(), nil
}
