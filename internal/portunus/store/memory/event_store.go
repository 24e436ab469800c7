package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

type EventStore struct {
	s *Store
}

func (m *EventStore) Append(_ context.Context, identityID int64, at time.Time, method types.Method) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend != nil {
		return 0, s.failAppend
	}
	if !method.Valid() {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidMethod, method)
	}
	if _, ok := s.identities[identityID]; !ok {
		return 0, fmt.Errorf("identity %d: %w", identityID, store.ErrNotFound)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.nextEvent++
	s.events[s.nextEvent] = types.AdmissionEvent{
		ID:         s.nextEvent,
		IdentityID: identityID,
		OccurredAt: at.UTC(),
		Method:     method,
		Status:     types.StatusPending,
	}
	return s.nextEvent, nil
}

func (m *EventStore) Get(_ context.Context, id int64) (types.AdmissionEvent, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	ev, ok := m.s.events[id]
	if !ok {
		return types.AdmissionEvent{}, fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	return m.s.withName(ev), nil
}

func (m *EventStore) ListPending(_ context.Context, limit int) ([]types.AdmissionEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	out := m.filter(types.StatusPending)
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *EventStore) List(_ context.Context, status types.Status, limit int) ([]types.AdmissionEvent, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = 100
	}
	out := m.filter(status)
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *EventStore) UpdateStatus(_ context.Context, id int64, status types.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	if !ev.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, ev.Status, status)
	}
	ev.Status = status
	s.events[id] = ev
	return nil
}

func (m *EventStore) RecordAttempt(_ context.Context, id int64, at time.Time, errMsg string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()
	ev.Attempts++
	ev.LastAttemptAt = &at
	ev.LastError = errMsg
	s.events[id] = ev
	return nil
}

func (m *EventStore) CountByStatus(_ context.Context) (map[types.Status]int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := map[types.Status]int{
		types.StatusPending: 0,
		types.StatusSent:    0,
		types.StatusFailed:  0,
	}
	for _, ev := range m.s.events {
		out[ev.Status]++
	}
	return out, nil
}

func (m *EventStore) filter(status types.Status) []types.AdmissionEvent {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []types.AdmissionEvent
	for _, ev := range m.s.events {
		if status == "" || ev.Status == status {
			out = append(out, m.s.withName(ev))
		}
	}
	return out
}

func (s *Store) withName(ev types.AdmissionEvent) types.AdmissionEvent {
	if id, ok := s.identities[ev.IdentityID]; ok {
		ev.IdentityName = id.Name
	}
	return ev
}

func (m *EventStore) PruneSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ev := range s.events {
		if ev.Status == types.StatusSent && ev.OccurredAt.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}
