package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// NewIdentity is the input to IdentityStore.Create.
type NewIdentity struct {
	Name       string
	Details    string
	Embedding  []float64
	Credential *string // nil, empty or blank means no card
	CreatedAt  time.Time
}

// IdentityUpdate changes identity fields. Nil fields are left alone; an
// empty or blank Credential unbinds the card.
type IdentityUpdate struct {
	Name       *string
	Details    *string
	Credential *string
}

// IdentityStore persists enrolled identities. Credential uniqueness is
// enforced here: a colliding Create, Update or SetCredential returns
// ErrCredentialConflict and writes nothing. Update applies all of its
// fields or none of them.
type IdentityStore interface {
	Create(ctx context.Context, in NewIdentity) (types.Identity, error)
	Get(ctx context.Context, id int64) (types.Identity, error)
	GetByCredential(ctx context.Context, credential string) (types.Identity, error)
	List(ctx context.Context) ([]types.Identity, error)
	Update(ctx context.Context, id int64, u IdentityUpdate) error
	UpdateEmbedding(ctx context.Context, id int64, embedding []float64) error
	SetCredential(ctx context.Context, id int64, credential *string) error
	// Delete removes the identity and, by cascade, its admission events.
	Delete(ctx context.Context, id int64) error
}
