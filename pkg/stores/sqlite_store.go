package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/plugind/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ engine.AuditSink = (*SQLiteStore)(nil)

// SQLiteStore is the audit log backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Record implements engine.AuditSink.
func (s *SQLiteStore) Record(ctx context.Context, event *engine.AuditEvent) error {
	return s.AppendAuditEvent(ctx, event)
}

// AppendAuditEvent stores event. Missing IDs, levels and timestamps are
// filled in on event.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event *engine.AuditEvent) error {
	if event.Type == "" {
		return fmt.Errorf("audit event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Level == "" {
		event.Level = engine.AuditLevelInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadata *string
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		m := string(data)
		metadata = &m
	}

	query := `
		INSERT INTO audit_events (id, type, level, actor_id, target_id, tenant_id, message, metadata, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.Level,
		event.ActorID,
		event.TargetID,
		event.TenantID,
		event.Message,
		metadata,
		event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// ListAuditEvents returns events matching filter, newest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*engine.AuditEvent, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if filter.Type != "" {
		add("type = ?", filter.Type)
	}
	if filter.TargetID != "" {
		add("target_id = ?", filter.TargetID)
	}
	if filter.TenantID != "" {
		add("tenant_id = ?", filter.TenantID)
	}
	if filter.ActorID != "" {
		add("actor_id = ?", filter.ActorID)
	}
	if filter.Level != "" {
		add("level = ?", filter.Level)
	}
	if !filter.Since.IsZero() {
		add("timestamp_ms >= ?", filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		add("timestamp_ms < ?", filter.Until.UnixMilli())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, type, level, actor_id, target_id, tenant_id, message, metadata, timestamp_ms
		FROM audit_events
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp_ms DESC, seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := []*engine.AuditEvent{}
	for rows.Next() {
		var (
			event     engine.AuditEvent
			eventType string
			metadata  sql.NullString
			tsMillis  int64
		)
		err := rows.Scan(
			&event.ID,
			&eventType,
			&event.Level,
			&event.ActorID,
			&event.TargetID,
			&event.TenantID,
			&event.Message,
			&metadata,
			&tsMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Type = engine.AuditEventType(eventType)
		event.Timestamp = time.UnixMilli(tsMillis).UTC()
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of audit event %s: %w", event.ID, err)
			}
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// PruneAuditEvents deletes events older than before and returns how many
// were removed.
func (s *SQLiteStore) PruneAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
