package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store"
	sqlitestore "github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

func strPtr(s string) *string { return &s }

func newIdentityStore(t *testing.T) *sqlitestore.IdentityStore {
	t.Helper()
	conn := openTestDB(t)
	return sqlitestore.NewIdentityStore(conn, newTestWriter(t, conn))
}

// ═══════════════════════════════════════════════════════════════════════════
// Create / Get
// ═══════════════════════════════════════════════════════════════════════════

func TestIdentityStore_CreateAndGet_EmbeddingRoundTrip(t *testing.T) {
	s := newIdentityStore(t)
	ctx := context.Background()

	emb := []float64{0.1, -0.25, 1.0 / 3.0, 1e-300, 0}
	created, err := s.Create(ctx, store.NewIdentity{
		Name:       "Ada",
		Details:    "engineering",
		Embedding:  emb,
		Credential: strPtr(" 12345 "),
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Embedding) != len(emb) {
		t.Fatalf("embedding length %d, want %d", len(got.Embedding), len(emb))
	}
	for i := range emb {
		if got.Embedding[i] != emb[i] {
			t.Errorf("embedding[%d] = %v, want %v", i, got.Embedding[i], emb[i])
		}
	}
	if got.Credential == nil || *got.Credential != "12345" {
		t.Errorf("expected trimmed credential 12345, got %v", got.Credential)
	}
	if !got.CreatedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected created_at %s", got.CreatedAt)
	}
}

func TestIdentityStore_BlankCredentialStoredAsNull(t *testing.T) {
	s := newIdentityStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		id, err := s.Create(ctx, store.NewIdentity{Name: name, Embedding: []float64{1}, Credential: strPtr("   ")})
		if err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		if id.Credential != nil {
			t.Errorf("expected nil credential for %s, got %q", name, *id.Credential)
		}
	}
}

func TestIdentityStore_Get_NotFound(t *testing.T) {
	s := newIdentityStore(t)
	if _, err := s.Get(context.Background(), 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Credential uniqueness
// ═══════════════════════════════════════════════════════════════════════════

func TestIdentityStore_Create_CredentialConflictLeavesNoRow(t *testing.T) {
	s := newIdentityStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, store.NewIdentity{Name: "first", Embedding: []float64{1}, Credential: strPtr("777")}); err != nil {
		t.Fatalf("Create first: %v", err)
	}
	_, err := s.Create(ctx, store.NewIdentity{Name: "second", Embedding: []float64{2}, Credential: strPtr("777")})
	if !errors.Is(err, store.ErrCredentialConflict) {
		t.Fatalf("expected ErrCredentialConflict, got %v", err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].Name != "first" {
		t.Errorf("expected only the first identity, got %+v", all)
	}
}

func TestIdentityStore_SetCredential(t *testing.T) {
	s := newIdentityStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, store.NewIdentity{Name: "a", Embedding: []float64{1}, Credential: strPtr("100")})
	b, _ := s.Create(ctx, store.NewIdentity{Name: "b", Embedding: []float64{1}})

	if err := s.SetCredential(ctx, b.ID, strPtr("100")); !errors.Is(err, store.ErrCredentialConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Re-assigning an identity's own credential is fine.
	if err := s.SetCredential(ctx, a.ID, strPtr("100")); err != nil {
		t.Fatalf("SetCredential same owner: %v", err)
	}
	if err := s.SetCredential(ctx, a.ID, nil); err != nil {
		t.Fatalf("clear credential: %v", err)
	}
	if err := s.SetCredential(ctx, b.ID, strPtr("100")); err != nil {
		t.Fatalf("SetCredential after release: %v", err)
	}

	got, err := s.GetByCredential(ctx, "100")
	if err != nil {
		t.Fatalf("GetByCredential: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("expected credential owner %d, got %d", b.ID, got.ID)
	}
	if _, err := s.GetByCredential(ctx, "404"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown credential, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Update / Delete
// ═══════════════════════════════════════════════════════════════════════════

func TestIdentityStore_UpdateAndEmbedding(t *testing.T) {
	s := newIdentityStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, store.NewIdentity{Name: "old", Embedding: []float64{1, 2}, Credential: strPtr("7")})
	if err := s.Update(ctx, id.ID, store.IdentityUpdate{Name: strPtr("new"), Details: strPtr("floor 2")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.UpdateEmbedding(ctx, id.ID, []float64{3, 4, 5}); err != nil {
		t.Fatalf("UpdateEmbedding: %v", err)
	}

	got, _ := s.Get(ctx, id.ID)
	if got.Name != "new" || got.Details != "floor 2" {
		t.Errorf("details not updated: %+v", got)
	}
	if got.Credential == nil || *got.Credential != "7" {
		t.Errorf("credential changed by a name-only update: %v", got.Credential)
	}
	if len(got.Embedding) != 3 || got.Embedding[2] != 5 {
		t.Errorf("embedding not updated: %v", got.Embedding)
	}

	if err := s.Update(ctx, id.ID, store.IdentityUpdate{Credential: strPtr("")}); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if got, _ := s.Get(ctx, id.ID); got.Credential != nil {
		t.Errorf("credential not unbound: %v", *got.Credential)
	}
	if err := s.Update(ctx, 999, store.IdentityUpdate{Name: strPtr("x")}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentityStore_UpdateConflictWritesNothing(t *testing.T) {
	s := newIdentityStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, store.NewIdentity{Name: "a", Embedding: []float64{1}, Credential: strPtr("100")})
	b, _ := s.Create(ctx, store.NewIdentity{Name: "b", Details: "day", Embedding: []float64{1}})

	err := s.Update(ctx, b.ID, store.IdentityUpdate{Name: strPtr("renamed"), Details: strPtr("night"), Credential: strPtr("100")})
	if !errors.Is(err, store.ErrCredentialConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := s.Get(ctx, b.ID)
	if got.Name != "b" || got.Details != "day" || got.Credential != nil {
		t.Errorf("conflicting update was partly applied: %+v", got)
	}
	if owner, _ := s.GetByCredential(ctx, "100"); owner.ID != a.ID {
		t.Errorf("credential moved to %d", owner.ID)
	}
}

func TestIdentityStore_DeleteCascadesEvents(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	ids := sqlitestore.NewIdentityStore(conn, w)
	events := sqlitestore.NewEventStore(conn, w)
	ctx := context.Background()

	id, _ := ids.Create(ctx, store.NewIdentity{Name: "gone", Embedding: []float64{1}})
	if _, err := events.Append(ctx, id.ID, time.Now(), types.MethodFace); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := ids.Delete(ctx, id.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM admission_events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected cascade to remove events, %d remain", n)
	}
	if err := ids.Delete(ctx, id.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}
