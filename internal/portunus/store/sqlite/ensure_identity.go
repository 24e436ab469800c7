package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
)

// ensureIdentity reports store.ErrNotFound when no identity row has the
// given id, so callers get a typed error instead of a raw FK failure.
//
// Must be called inside an existing transaction.
func ensureIdentity(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("ensureIdentity %d: %w", id, err)
	}
	return nil
}

// credentialOwner returns the id holding credential, or 0 when it is free.
func credentialOwner(ctx context.Context, tx *sql.Tx, credential string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM identities WHERE credential = ?;`, credential).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credentialOwner: %w", err)
	}
	return id, nil
}
