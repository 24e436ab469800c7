package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/kiosk/internal/db"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

const eventSelect = `
SELECT e.id, e.identity_id, i.name, e.occurred_at_ms, e.method, e.status,
       e.attempts, e.last_attempt_at_ms, e.last_error
FROM admission_events e
JOIN identities i ON i.id = e.identity_id`

func scanEvent(row rowScanner) (types.AdmissionEvent, error) {
	var (
		ev         types.AdmissionEvent
		occurredMs int64
		method     string
		status     string
		lastMs     sql.NullInt64
		lastErr    sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.IdentityID, &ev.IdentityName, &occurredMs,
		&method, &status, &ev.Attempts, &lastMs, &lastErr); err != nil {
		return types.AdmissionEvent{}, err
	}
	ev.OccurredAt = msToTime(occurredMs)
	ev.Method = types.Method(method)
	ev.Status = types.Status(status)
	if lastMs.Valid {
		t := msToTime(lastMs.Int64)
		ev.LastAttemptAt = &t
	}
	ev.LastError = lastErr.String
	return ev, nil
}

func (s *EventStore) Append(ctx context.Context, identityID int64, at time.Time, method types.Method) (int64, error) {
	if !method.Valid() {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidMethod, method)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var id int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO admission_events(identity_id, occurred_at_ms, method, status)
VALUES (?, ?, ?, 'pending');
`, identityID, at.UTC().UnixMilli(), string(method))
		if err != nil {
			return fmt.Errorf("Append insert: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (s *EventStore) Get(ctx context.Context, id int64) (types.AdmissionEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, eventSelect+` WHERE e.id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.AdmissionEvent{}, fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	return ev, err
}

func (s *EventStore) ListPending(ctx context.Context, limit int) ([]types.AdmissionEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.query(ctx, eventSelect+`
WHERE e.status = 'pending'
ORDER BY e.occurred_at_ms ASC, e.id ASC
LIMIT ?;`, limit)
}

func (s *EventStore) List(ctx context.Context, status types.Status, limit int) ([]types.AdmissionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return s.query(ctx, eventSelect+` ORDER BY e.occurred_at_ms DESC, e.id DESC LIMIT ?;`, limit)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	return s.query(ctx, eventSelect+`
WHERE e.status = ?
ORDER BY e.occurred_at_ms DESC, e.id DESC
LIMIT ?;`, string(status), limit)
}

func (s *EventStore) query(ctx context.Context, q string, args ...any) ([]types.AdmissionEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("event query: %w", err)
	}
	defer rows.Close()

	var out []types.AdmissionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *EventStore) UpdateStatus(ctx context.Context, id int64, status types.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM admission_events WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %d: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("UpdateStatus read: %w", err)
		}
		if !types.Status(current).CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current, status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE admission_events SET status = ? WHERE id = ?;`, string(status), id,
		); err != nil {
			return fmt.Errorf("UpdateStatus write: %w", err)
		}
		return nil
	})
}

func (s *EventStore) RecordAttempt(ctx context.Context, id int64, at time.Time, errMsg string) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var lastErr any
	if errMsg != "" {
		lastErr = errMsg
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE admission_events
SET attempts = attempts + 1, last_attempt_at_ms = ?, last_error = ?
WHERE id = ?;`, at.UTC().UnixMilli(), lastErr, id)
		if err != nil {
			return fmt.Errorf("RecordAttempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("event %d: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func (s *EventStore) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM admission_events GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("CountByStatus: %w", err)
	}
	defer rows.Close()

	out := map[types.Status]int{
		types.StatusPending: 0,
		types.StatusSent:    0,
		types.StatusFailed:  0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.Status(status)] = n
	}
	return out, rows.Err()
}

func (s *EventStore) PruneSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM admission_events WHERE status = 'sent' AND occurred_at_ms < ?;`,
			cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("PruneSentBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
