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

type IdentityStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewIdentityStore(db *sql.DB, writer *dbpkg.Worker) *IdentityStore {
	return &IdentityStore{db: db, writer: writer}
}

const identityColumns = `id, name, details, embedding, credential, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (types.Identity, error) {
	var (
		id         types.Identity
		blob       []byte
		credential sql.NullString
		createdMs  int64
		updatedMs  int64
	)
	if err := row.Scan(&id.ID, &id.Name, &id.Details, &blob, &credential, &createdMs, &updatedMs); err != nil {
		return types.Identity{}, err
	}
	emb, err := decodeEmbedding(blob)
	if err != nil {
		return types.Identity{}, fmt.Errorf("identity %d: %w", id.ID, err)
	}
	id.Embedding = emb
	if credential.Valid {
		c := credential.String
		id.Credential = &c
	}
	id.CreatedAt = msToTime(createdMs)
	id.UpdatedAt = msToTime(updatedMs)
	return id, nil
}

func (s *IdentityStore) Create(ctx context.Context, in store.NewIdentity) (types.Identity, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	credential := store.NormalizeCredential(in.Credential)
	nowMs := in.CreatedAt.UTC().UnixMilli()

	var id int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if credential != nil {
			owner, err := credentialOwner(ctx, tx, *credential)
			if err != nil {
				return err
			}
			if owner != 0 {
				return store.ErrCredentialConflict
			}
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO identities(name, details, embedding, credential, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, in.Name, in.Details, encodeEmbedding(in.Embedding), nullString(credential), nowMs, nowMs)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrCredentialConflict
			}
			return fmt.Errorf("Create insert: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return types.Identity{}, err
	}
	return s.Get(ctx, id)
}

func (s *IdentityStore) Get(ctx context.Context, id int64) (types.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?;`, id)
	out, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Identity{}, fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	return out, err
}

func (s *IdentityStore) GetByCredential(ctx context.Context, credential string) (types.Identity, error) {
	c := store.NormalizeCredential(&credential)
	if c == nil {
		return types.Identity{}, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE credential = ?;`, *c)
	out, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Identity{}, fmt.Errorf("credential %q: %w", *c, store.ErrNotFound)
	}
	return out, err
}

func (s *IdentityStore) List(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("List query: %w", err)
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *IdentityStore) Update(ctx context.Context, id int64, u store.IdentityUpdate) error {
	credential := store.NormalizeCredential(u.Credential)
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var name, details string
		var cur sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT name, details, credential FROM identities WHERE id = ?;`, id,
		).Scan(&name, &details, &cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("Update: %w", err)
		}

		if u.Name != nil {
			name = *u.Name
		}
		if u.Details != nil {
			details = *u.Details
		}
		next := cur
		if u.Credential != nil {
			next = sql.NullString{}
			if credential != nil {
				owner, err := credentialOwner(ctx, tx, *credential)
				if err != nil {
					return err
				}
				if owner != 0 && owner != id {
					return store.ErrCredentialConflict
				}
				next = sql.NullString{String: *credential, Valid: true}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE identities SET name = ?, details = ?, credential = ?, updated_at_ms = ? WHERE id = ?;`,
			name, details, next, time.Now().UTC().UnixMilli(), id,
		); err != nil {
			if isUniqueViolation(err) {
				return store.ErrCredentialConflict
			}
			return fmt.Errorf("Update: %w", err)
		}
		return nil
	})
}

func (s *IdentityStore) UpdateEmbedding(ctx context.Context, id int64, embedding []float64) error {
	return s.update(ctx, id, `UPDATE identities SET embedding = ?, updated_at_ms = ? WHERE id = ?;`,
		encodeEmbedding(embedding))
}

func (s *IdentityStore) SetCredential(ctx context.Context, id int64, credential *string) error {
	credential = store.NormalizeCredential(credential)
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureIdentity(ctx, tx, id); err != nil {
			return err
		}
		if credential != nil {
			owner, err := credentialOwner(ctx, tx, *credential)
			if err != nil {
				return err
			}
			if owner != 0 && owner != id {
				return store.ErrCredentialConflict
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE identities SET credential = ?, updated_at_ms = ? WHERE id = ?;`,
			nullString(credential), time.Now().UTC().UnixMilli(), id,
		); err != nil {
			if isUniqueViolation(err) {
				return store.ErrCredentialConflict
			}
			return fmt.Errorf("SetCredential: %w", err)
		}
		return nil
	})
}

func (s *IdentityStore) Delete(ctx context.Context, id int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("Delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

// update runs a single-row UPDATE whose trailing placeholders are
// updated_at_ms and id.
func (s *IdentityStore) update(ctx context.Context, id int64, query string, args ...any) error {
	args = append(args, time.Now().UTC().UnixMilli(), id)
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update identity %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
