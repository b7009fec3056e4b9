package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/motionstream/motionstream/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestOpenDisabledReturnsNilStore(t *testing.T) {
	store, err := Open(config.AuditConfig{Enabled: false}, testLogger())
	if err != nil {
		t.Fatalf("Open with Enabled=false returned error: %v", err)
	}
	if store != nil {
		t.Fatalf("expected nil Store when Enabled=false, got %+v", store)
	}

	// A nil Store must be safe to use as a no-op sink.
	if err := store.RecordCreated(context.Background(), "s1", "clip", "ref", time.Now()); err != nil {
		t.Errorf("RecordCreated on nil Store returned error: %v", err)
	}
	if err := store.RecordEnded(context.Background(), "s1", "closed", "", time.Now()); err != nil {
		t.Errorf("RecordEnded on nil Store returned error: %v", err)
	}
	if !store.IsHealthy() {
		t.Error("expected IsHealthy() true on nil Store")
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close on nil Store returned error: %v", err)
	}
}

func TestRecordCreatedAndEndedRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(config.AuditConfig{
		Enabled: true,
		Driver:  "sqlite",
		DSN:     dsn,
		Pool:    config.AuditPoolConfig{MaxOpenConns: 1, MaxIdleConns: 1},
	}, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	created := time.Now().Truncate(time.Second)

	if err := store.RecordCreated(ctx, "session-1", "clip", "clips/wave.bvh", created); err != nil {
		t.Fatalf("RecordCreated failed: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_audit_log WHERE session_id = ?`, "session-1").Scan(&count); err != nil {
		t.Fatalf("query after RecordCreated failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after RecordCreated, got %d", count)
	}

	ended := created.Add(5 * time.Second)
	if err := store.RecordEnded(ctx, "session-1", "closed", "", ended); err != nil {
		t.Fatalf("RecordEnded failed: %v", err)
	}

	var finalState string
	var endedAt *time.Time
	row := store.db.QueryRowContext(ctx, `SELECT final_state, ended_at FROM session_audit_log WHERE session_id = ?`, "session-1")
	if err := row.Scan(&finalState, &endedAt); err != nil {
		t.Fatalf("query after RecordEnded failed: %v", err)
	}
	if finalState != "closed" {
		t.Errorf("expected final_state 'closed', got %q", finalState)
	}
	if endedAt == nil {
		t.Error("expected ended_at to be set after RecordEnded")
	}

	if !store.IsHealthy() {
		t.Error("expected freshly opened Store to report healthy")
	}
}

func TestDriverNameFor(t *testing.T) {
	cases := map[string]string{
		"mysql":      "mysql",
		"postgres":   "postgres",
		"postgresql": "postgres",
		"sqlite":     "sqlite3",
		"":           "sqlite3",
		"unknown":    "sqlite3",
	}
	for driver, want := range cases {
		if got := driverNameFor(driver); got != want {
			t.Errorf("driverNameFor(%q) = %q, want %q", driver, got, want)
		}
	}
}
