package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

type IdentityStore struct {
	s *Store
}

func (m *IdentityStore) Create(_ context.Context, in store.NewIdentity) (types.Identity, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	credential := store.NormalizeCredential(in.Credential)
	if credential != nil && s.ownerLocked(*credential) != 0 {
		return types.Identity{}, store.ErrCredentialConflict
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	s.nextID++
	id := types.Identity{
		ID:         s.nextID,
		Name:       in.Name,
		Details:    in.Details,
		Embedding:  append([]float64(nil), in.Embedding...),
		Credential: credential,
		CreatedAt:  in.CreatedAt.UTC(),
		UpdatedAt:  in.CreatedAt.UTC(),
	}
	s.identities[id.ID] = id
	return id.Clone(), nil
}

func (m *IdentityStore) Get(_ context.Context, id int64) (types.Identity, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out, ok := m.s.identities[id]
	if !ok {
		return types.Identity{}, fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	return out.Clone(), nil
}

func (m *IdentityStore) GetByCredential(_ context.Context, credential string) (types.Identity, error) {
	c := store.NormalizeCredential(&credential)
	if c == nil {
		return types.Identity{}, store.ErrNotFound
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	if id := m.s.ownerLocked(*c); id != 0 {
		return m.s.identities[id].Clone(), nil
	}
	return types.Identity{}, fmt.Errorf("credential %q: %w", *c, store.ErrNotFound)
}

func (m *IdentityStore) List(_ context.Context) ([]types.Identity, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make([]types.Identity, 0, len(m.s.identities))
	for _, id := range m.s.identities {
		out = append(out, id.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *IdentityStore) Update(_ context.Context, id int64, u store.IdentityUpdate) error {
	credential := store.NormalizeCredential(u.Credential)
	return m.mutate(id, func(i *types.Identity) error {
		if u.Credential != nil {
			if credential != nil {
				if owner := m.s.ownerLocked(*credential); owner != 0 && owner != id {
					return store.ErrCredentialConflict
				}
			}
			i.Credential = credential
		}
		if u.Name != nil {
			i.Name = *u.Name
		}
		if u.Details != nil {
			i.Details = *u.Details
		}
		return nil
	})
}

func (m *IdentityStore) UpdateEmbedding(_ context.Context, id int64, embedding []float64) error {
	return m.mutate(id, func(i *types.Identity) error {
		i.Embedding = append([]float64(nil), embedding...)
		return nil
	})
}

func (m *IdentityStore) SetCredential(_ context.Context, id int64, credential *string) error {
	credential = store.NormalizeCredential(credential)
	return m.mutate(id, func(i *types.Identity) error {
		if credential != nil {
			if owner := m.s.ownerLocked(*credential); owner != 0 && owner != id {
				return store.ErrCredentialConflict
			}
		}
		i.Credential = credential
		return nil
	})
}

func (m *IdentityStore) Delete(_ context.Context, id int64) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id]; !ok {
		return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	delete(s.identities, id)
	for eid, ev := range s.events {
		if ev.IdentityID == id {
			delete(s.events, eid)
		}
	}
	return nil
}

func (m *IdentityStore) mutate(id int64, fn func(*types.Identity) error) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	if err := fn(&cur); err != nil {
		return err
	}
	cur.UpdatedAt = time.Now().UTC()
	s.identities[id] = cur
	return nil
}

func (s *Store) ownerLocked(credential string) int64 {
	for id, ident := range s.identities {
		if ident.Credential != nil && *ident.Credential == credential {
			return id
		}
	}
	return 0
}
