package interfaces

import (
	"context"

	"collabhub/pkg/types"
)

// AuditLog is the append-only record of collaboration events
// ARCHITECTURAL DISCOVERY: Audit rows are written for operators only; live
// presence and lock state is never rebuilt from them
type AuditLog interface {
	// RecordEvent persists an event and waits for the write to finish
	RecordEvent(ctx context.Context, event *types.AuditEvent) error

	// RecordEventAsync queues an event without blocking the caller
	// FUNCTIONAL DISCOVERY: The hub goroutine must never wait on disk I/O
	RecordEventAsync(event *types.AuditEvent)

	// RecentEvents returns the newest events first
	RecentEvents(ctx context.Context, limit int) ([]*types.AuditEvent, error)

	// HealthCheck verifies database connectivity
	HealthCheck(ctx context.Context) error

	// Close drains pending writes and closes the database
	Close() error
}
