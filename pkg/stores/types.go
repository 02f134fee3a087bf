package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file. ":memory:" keeps the database in memory
	// and limits the pool to one connection.
	Path string `yaml:"path" json:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// AuditFilter narrows ListAuditEvents. Zero fields match everything.
type AuditFilter struct {
	Type     string
	TargetID string
	TenantID string
	ActorID  string
	Level    string
	Since    time.Time
	Until    time.Time

	// Limit defaults to DefaultAuditLimit and is capped at MaxAuditLimit.
	Limit  int
	Offset int
}

const (
	// DefaultAuditLimit is the page size when none is given.
	DefaultAuditLimit = 100

	// MaxAuditLimit caps the page size.
	MaxAuditLimit = 1000
)
