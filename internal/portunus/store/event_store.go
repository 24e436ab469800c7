package store

import (
	"context"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// EventStore is the durable admission log. Every row starts pending.
type EventStore interface {
	Append(ctx context.Context, identityID int64, at time.Time, method types.Method) (int64, error)
	Get(ctx context.Context, id int64) (types.AdmissionEvent, error)
	// ListPending returns pending events oldest first, with identity names.
	ListPending(ctx context.Context, limit int) ([]types.AdmissionEvent, error)
	// List returns events with the given status (all when empty), newest first.
	List(ctx context.Context, status types.Status, limit int) ([]types.AdmissionEvent, error)
	UpdateStatus(ctx context.Context, id int64, status types.Status) error
	// RecordAttempt notes a delivery attempt. errMsg is empty on success.
	RecordAttempt(ctx context.Context, id int64, at time.Time, errMsg string) error
	CountByStatus(ctx context.Context) (map[types.Status]int, error)
	// PruneSentBefore deletes sent events that occurred before cutoff.
	// Pending and failed rows are never pruned.
	PruneSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NormalizeCredential trims a card number and maps blank values to nil.
func NormalizeCredential(c *string) *string {
	if c == nil {
		return nil
	}
	v := strings.TrimSpace(*c)
	if v == "" {
		return nil
	}
	return &v
}
