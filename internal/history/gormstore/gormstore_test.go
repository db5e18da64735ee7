package gormstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kimbia/internal/history"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(Config{
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "kimbia.db")},
	}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return store
}

func testRun(source history.Source, status history.Status) *history.Run {
	started := time.Now().UTC().Add(-time.Second)
	return &history.Run{
		CorrelationID: "abcd1234",
		Source:        source,
		Command:       []string{"sh", "-c", "echo hi"},
		Dir:           "/tmp",
		Status:        status,
		ExitCode:      0,
		Stdout:        "hi\n",
		StartedAt:     started,
		FinishedAt:    started.Add(300 * time.Millisecond),
	}
}

func TestStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := testRun(history.SourceCLI, history.StatusSucceeded)
	if err := store.Record(ctx, run); err != nil {
		t.Fatalf("recording run: %v", err)
	}
	if run.ID == uuid.Nil {
		t.Fatal("Record did not assign an ID")
	}

	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("getting run: %v", err)
	}
	if got.Status != history.StatusSucceeded {
		t.Errorf("status = %q, want %q", got.Status, history.StatusSucceeded)
	}
	if len(got.Command) != 3 || got.Command[2] != "echo hi" {
		t.Errorf("command = %v, argument boundaries lost", got.Command)
	}
	if got.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", got.Stdout, "hi\n")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	if !errors.Is(err, history.ErrNotFound) {
		t.Errorf("error = %v, want history.ErrNotFound", err)
	}
}

func TestStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*history.Run{
		testRun(history.SourceCLI, history.StatusSucceeded),
		testRun(history.SourceAPI, history.StatusFailed),
		testRun(history.SourceScheduler, history.StatusTimeout),
	} {
		if err := store.Record(ctx, r); err != nil {
			t.Fatalf("recording run: %v", err)
		}
	}

	all, err := store.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	api, err := store.List(ctx, history.Filter{Source: history.SourceAPI})
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(api) != 1 || api[0].Status != history.StatusFailed {
		t.Errorf("source filter returned %d runs", len(api))
	}

	limited, err := store.List(ctx, history.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit filter returned %d runs, want 2", len(limited))
	}
}

func TestStore_ListOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := testRun(history.SourceCLI, history.StatusSucceeded)
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer := testRun(history.SourceCLI, history.StatusSucceeded)

	if err := store.Record(ctx, older); err != nil {
		t.Fatalf("recording run: %v", err)
	}
	if err := store.Record(ctx, newer); err != nil {
		t.Fatalf("recording run: %v", err)
	}

	runs, err := store.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != newer.ID {
		t.Error("runs not ordered most recent first")
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(Config{Driver: "mysql"}, logger); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
