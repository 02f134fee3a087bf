// Package stores persists audit events in SQLite. The schema is managed by
// embedded golang-migrate migrations and the append-only audit_events table
// refuses updates. Deletion is limited to retention pruning.
package stores
