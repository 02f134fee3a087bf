package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendEvents(t *testing.T, store *SQLiteStore, events ...*engine.AuditEvent) {
	t.Helper()
	for _, e := range events {
		if err := store.AppendAuditEvent(context.Background(), e); err != nil {
			t.Fatalf("AppendAuditEvent() error = %v", err)
		}
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	appendEvents(t, store, &engine.AuditEvent{Type: engine.AuditPluginReloaded, TargetID: "weather"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopening runs migrations again without error and keeps the data.
	store, err = Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()

	events, err := store.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events after reopen, want 1", len(events))
	}
}

func TestStoreUninitialized(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Init error = nil, want error")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("Migrate() before Init error = nil, want error")
	}
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("NewSQLiteStore() without path error = nil, want error")
	}
}

func TestAppendAuditEvent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &engine.AuditEvent{
		Type:      engine.AuditExecutionFailed,
		ActorID:   "alice",
		TargetID:  "weather",
		TenantID:  "acme",
		Timestamp: ts,
		Level:     engine.AuditLevelError,
		Message:   "plugin failed",
		Metadata: map[string]interface{}{
			"errorKind": "ExecutionError",
			"attempt":   float64(3),
		},
	}
	appendEvents(t, store, event)
	if event.ID == "" {
		t.Fatal("ID was not assigned")
	}

	events, err := store.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.ID != event.ID || got.Type != event.Type || got.ActorID != "alice" || got.TargetID != "weather" ||
		got.TenantID != "acme" || got.Level != engine.AuditLevelError || got.Message != "plugin failed" {
		t.Errorf("event = %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Metadata["errorKind"] != "ExecutionError" || got.Metadata["attempt"] != float64(3) {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	t.Run("defaults", func(t *testing.T) {
		e := &engine.AuditEvent{Type: engine.AuditCacheInvalidated}
		appendEvents(t, store, e)
		if e.Level != engine.AuditLevelInfo || e.Timestamp.IsZero() {
			t.Errorf("event = %+v", e)
		}
	})

	t.Run("type required", func(t *testing.T) {
		if err := store.AppendAuditEvent(ctx, &engine.AuditEvent{}); err == nil {
			t.Error("AppendAuditEvent() error = nil, want error")
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		dup := &engine.AuditEvent{ID: event.ID, Type: engine.AuditExecutionCompleted}
		if err := store.AppendAuditEvent(ctx, dup); err == nil {
			t.Error("AppendAuditEvent() with duplicate ID error = nil, want error")
		}
	})

	t.Run("append only", func(t *testing.T) {
		if _, err := store.db.ExecContext(ctx, `UPDATE audit_events SET message = 'edited'`); err == nil {
			t.Error("UPDATE succeeded on append-only table")
		}
	})

	t.Run("record", func(t *testing.T) {
		var sink engine.AuditSink = store
		if err := sink.Record(ctx, &engine.AuditEvent{Type: engine.AuditPluginReloaded}); err != nil {
			t.Errorf("Record() error = %v", err)
		}
	})
}

func TestListAuditEvents(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }
	appendEvents(t, store,
		&engine.AuditEvent{Type: engine.AuditExecutionCompleted, TargetID: "weather", TenantID: "acme", ActorID: "alice", Timestamp: at(1)},
		&engine.AuditEvent{Type: engine.AuditExecutionFailed, TargetID: "weather", TenantID: "acme", ActorID: "bob", Level: engine.AuditLevelError, Timestamp: at(2)},
		&engine.AuditEvent{Type: engine.AuditExecutionCompleted, TargetID: "geo", TenantID: "globex", ActorID: "carol", Timestamp: at(3)},
		&engine.AuditEvent{Type: engine.AuditCircuitChanged, TargetID: "weather", Level: engine.AuditLevelWarning, Timestamp: at(4)},
	)

	tests := []struct {
		name    string
		filter  AuditFilter
		wantLen int
		first   engine.AuditEventType
	}{
		{name: "all newest first", filter: AuditFilter{}, wantLen: 4, first: engine.AuditCircuitChanged},
		{name: "by type", filter: AuditFilter{Type: string(engine.AuditExecutionCompleted)}, wantLen: 2, first: engine.AuditExecutionCompleted},
		{name: "by target", filter: AuditFilter{TargetID: "weather"}, wantLen: 3, first: engine.AuditCircuitChanged},
		{name: "by tenant", filter: AuditFilter{TenantID: "acme"}, wantLen: 2, first: engine.AuditExecutionFailed},
		{name: "by actor", filter: AuditFilter{ActorID: "carol"}, wantLen: 1, first: engine.AuditExecutionCompleted},
		{name: "by level", filter: AuditFilter{Level: engine.AuditLevelError}, wantLen: 1, first: engine.AuditExecutionFailed},
		{name: "time window", filter: AuditFilter{Since: at(2), Until: at(4)}, wantLen: 2, first: engine.AuditExecutionCompleted},
		{name: "limit", filter: AuditFilter{Limit: 1}, wantLen: 1, first: engine.AuditCircuitChanged},
		{name: "offset", filter: AuditFilter{Offset: 3}, wantLen: 1, first: engine.AuditExecutionCompleted},
		{name: "combined", filter: AuditFilter{TargetID: "weather", Type: string(engine.AuditExecutionCompleted)}, wantLen: 1, first: engine.AuditExecutionCompleted},
		{name: "no match", filter: AuditFilter{TenantID: "initech"}, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.ListAuditEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAuditEvents() error = %v", err)
			}
			if len(events) != tt.wantLen {
				t.Fatalf("got %d events, want %d", len(events), tt.wantLen)
			}
			if tt.wantLen > 0 && events[0].Type != tt.first {
				t.Errorf("first event type = %s, want %s", events[0].Type, tt.first)
			}
		})
	}
}

func TestPruneAuditEvents(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	now := time.Now().UTC()
	appendEvents(t, store,
		&engine.AuditEvent{Type: engine.AuditExecutionCompleted, Timestamp: now.Add(-48 * time.Hour)},
		&engine.AuditEvent{Type: engine.AuditExecutionCompleted, Timestamp: now.Add(-25 * time.Hour)},
		&engine.AuditEvent{Type: engine.AuditExecutionCompleted, Timestamp: now},
	)

	n, err := store.PruneAuditEvents(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAuditEvents() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d events, want 2", n)
	}
	events, err := store.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("%d events remain, want 1", len(events))
	}
}
