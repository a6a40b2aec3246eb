package quota

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	backend, err := NewSQLiteBackend(db)
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	return backend
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	backend := newTestBackend(t)

	reset := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	info := Info{
		Limit:       intp(100),
		Used:        intp(42),
		Remaining:   intp(58),
		ResetAt:     reset,
		LastUpdated: updated,
	}
	if err := backend.Put("flash", info); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := backend.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := entries["flash"]
	if !ok {
		t.Fatal("record missing after Put")
	}
	if *got.Limit != 100 || *got.Used != 42 || *got.Remaining != 58 {
		t.Errorf("counters = %d/%d/%d, want 100/42/58", *got.Limit, *got.Used, *got.Remaining)
	}
	if !got.ResetAt.Equal(reset) {
		t.Errorf("ResetAt = %v, want %v", got.ResetAt, reset)
	}
	if !got.LastUpdated.Equal(updated) {
		t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, updated)
	}
}

func TestSQLiteBackendNullFields(t *testing.T) {
	backend := newTestBackend(t)

	// Only the limit has been observed; everything else is unknown.
	if err := backend.Put("pro", Info{Limit: intp(0), LastUpdated: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := backend.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := entries["pro"]
	if got.Limit == nil || *got.Limit != 0 {
		t.Errorf("Limit = %v, want 0", got.Limit)
	}
	if got.Used != nil || got.Remaining != nil {
		t.Errorf("unknown counters came back non-nil: %+v", got)
	}
	if !got.ResetAt.IsZero() {
		t.Errorf("ResetAt = %v, want zero", got.ResetAt)
	}
}

func TestSQLiteBackendOverwrite(t *testing.T) {
	backend := newTestBackend(t)

	backend.Put("m", Info{Limit: intp(10), LastUpdated: time.Now()})
	backend.Put("m", Info{Limit: intp(20), Used: intp(1), LastUpdated: time.Now()})

	entries, _ := backend.Load()
	if got := entries["m"]; *got.Limit != 20 || *got.Used != 1 {
		t.Errorf("overwrite lost: %+v", got)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}
