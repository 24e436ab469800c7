// Package memory holds in-process stores for tests and dev runs. They
// enforce the same credential, status and cascade rules as the sqlite
// stores.
package memory

import (
	"sync"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// Store is the shared backing for IdentityStore and EventStore, so an
// identity delete can cascade to its events.
type Store struct {
	mu         sync.RWMutex
	identities map[int64]types.Identity
	events     map[int64]types.AdmissionEvent
	nextID     int64
	nextEvent  int64

	failAppend error
}

func New() *Store {
	return &Store{
		identities: make(map[int64]types.Identity),
		events:     make(map[int64]types.AdmissionEvent),
	}
}

func (s *Store) Identities() *IdentityStore { return &IdentityStore{s: s} }

func (s *Store) Events() *EventStore { return &EventStore{s: s} }

// FailAppends makes every subsequent Append return err (nil clears it).
// Test-only helper.
func (s *Store) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}
