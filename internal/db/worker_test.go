package db_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/db"
)

func openFileDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "k.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func insertIdentity(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO identities(name, embedding, created_at_ms, updated_at_ms) VALUES (?, x'00', 0, 0);`, name)
	return err
}

func TestOpen_AppliesMigrations(t *testing.T) {
	conn := openFileDB(t)

	v, err := db.SchemaVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("expected schema version 1, got %d", v)
	}

	// Migrating twice is a no-op.
	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestWorker_CommitsAndRollsBack(t *testing.T) {
	conn := openFileDB(t)
	w := db.NewWorker(conn)
	defer w.Close()
	ctx := context.Background()

	if err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return insertIdentity(ctx, tx, "kept")
	}); err != nil {
		t.Fatalf("Do commit: %v", err)
	}

	boom := errors.New("boom")
	err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertIdentity(ctx, tx, "dropped"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row after rollback, got %d", n)
	}
}

func TestWorker_RecoversPanic(t *testing.T) {
	conn := openFileDB(t)
	w := db.NewWorker(conn)
	defer w.Close()

	err := w.Do(context.Background(), func(context.Context, *sql.Tx) error {
		panic("bad fn")
	})
	if err == nil {
		t.Fatal("expected error from panicking fn")
	}

	// Worker keeps serving.
	if err := w.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return insertIdentity(ctx, tx, "after")
	}); err != nil {
		t.Fatalf("Do after panic: %v", err)
	}
}

func TestWorker_SerializesConcurrentWrites(t *testing.T) {
	conn := openFileDB(t)
	w := db.NewWorker(conn)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
				return insertIdentity(ctx, tx, fmt.Sprintf("n%d", i))
			}); err != nil {
				t.Errorf("Do %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM identities").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 20 {
		t.Errorf("expected 20 rows, got %d", n)
	}
}

func TestWorker_DoAfterClose(t *testing.T) {
	conn := openFileDB(t)
	w := db.NewWorker(conn)
	w.Close()
	w.Close()

	err := w.Do(context.Background(), func(context.Context, *sql.Tx) error { return nil })
	if !errors.Is(err, db.ErrWorkerClosed) {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}
}
