package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	dbconfig "collabhub/pkg/database"
	"collabhub/pkg/types"
)

var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrWriteQueueFull = errors.New("database write queue is full")
	ErrWriteTimeout   = errors.New("write operation timeout")
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	retryDelay         = 5 * time.Second
)

// Manager implements interfaces.AuditLog on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	retryDelay   time.Duration
}

// writeOperation represents a database write operation.
// result is nil for fire-and-forget writes.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations, err := config.Migrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, migrations).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   retryDelay,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)

		case <-m.shutdown:
			// Drain what was accepted before shutdown.
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					log.Println("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// FUNCTIONAL DISCOVERY: Retry exactly once after a delay
func (m *Manager) run(op writeOperation) {
	err := op.operation(m.db)
	if err != nil {
		log.Printf("Database write failed, retrying in %v: %v", m.retryDelay, err)
		time.Sleep(m.retryDelay)
		if err = op.operation(m.db); err != nil {
			log.Printf("Database write failed after retry: %v", err)
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueWrite queues a write without waiting for it.
func (m *Manager) enqueueWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}

	select {
	case m.writeChannel <- writeOperation{operation: operation}:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func insertEvent(event *types.AuditEvent) func(*sql.DB) error {
	return func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO collaboration_events (id, type, user_id, document_type, document_id, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			event.ID,
			event.Type,
			event.UserID,
			nullable(event.DocumentType),
			nullable(event.DocumentID),
			event.Detail,
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	}
}

func prepare(event *types.AuditEvent) error {
	if event == nil || event.Type == "" || event.UserID == "" {
		return fmt.Errorf("audit event requires type and user id")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return nil
}

// RecordEvent persists event and waits for the write.
func (m *Manager) RecordEvent(ctx context.Context, event *types.AuditEvent) error {
	if err := prepare(event); err != nil {
		return err
	}
	return m.executeWrite(ctx, insertEvent(event))
}

// RecordEventAsync queues event; a full queue drops it with a log line.
func (m *Manager) RecordEventAsync(event *types.AuditEvent) {
	if err := prepare(event); err != nil {
		log.Printf("Dropping audit event: %v", err)
		return
	}
	if err := m.enqueueWrite(insertEvent(event)); err != nil {
		log.Printf("Dropping audit event %s for %s: %v", event.Type, event.UserID, err)
	}
}

// RecentEvents returns up to limit events, newest first.
func (m *Manager) RecentEvents(ctx context.Context, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, type, user_id, document_type, document_id, detail, created_at
		FROM collaboration_events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.AuditEvent, 0, limit)
	for rows.Next() {
		var (
			event        types.AuditEvent
			documentType sql.NullString
			documentID   sql.NullString
		)
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.UserID,
			&documentType,
			&documentID,
			&event.Detail,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.DocumentType = documentType.String
		event.DocumentID = documentID.String
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collaboration_events").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains queued writes and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
