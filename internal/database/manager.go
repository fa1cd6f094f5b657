package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "classpulse/pkg/database"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	retryDelay   time.Duration
	writeChannel chan writeOperation // Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sqlx.DB) error
	result    chan error
}

// notificationRow adds the JSON metadata column to the wire type
type notificationRow struct {
	types.Notification
	MetadataJSON string `db:"metadata"`
}

type activityRow struct {
	types.ActivityEvent
	MetadataJSON string `db:"metadata"`
}

// NewManager creates a new database manager
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		retryDelay:   5 * time.Second,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
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
			err := op.operation(m.db)
			if isBusy(err) {
				// Lock contention from another process; retry exactly once
				m.logger.Warn("database busy, retrying write", zap.Duration("delay", m.retryDelay), zap.Error(err))
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// Once queued the operation always runs; wait for its outcome
	return <-result
}

// CreateNotification inserts a new notification
func (m *Manager) CreateNotification(ctx context.Context, n *types.Notification) error {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, type, title, message, metadata, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, n.ID, n.UserID, n.Type, n.Title, n.Message, metadata, n.Read, n.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
}

// GetNotification retrieves a notification by ID
func (m *Manager) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	var row notificationRow
	err := m.db.GetContext(ctx, &row, `
		SELECT id, user_id, type, title, message, metadata, is_read, created_at
		FROM notifications
		WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query notification: %w", err)
	}
	return row.toNotification()
}

// ListNotifications returns up to limit notifications for a user, newest first
func (m *Manager) ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error) {
	var rows []notificationRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, type, title, message, metadata, is_read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	notifications := make([]*types.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNotification()
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// CountUnread returns the number of unread notifications for a user
func (m *Manager) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := m.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flips a notification to read
func (m *Manager) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	var changed bool
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		result, err := db.ExecContext(ctx,
			"UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ? AND is_read = 0",
			id, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			changed = true
			return nil
		}

		// Nothing changed: already read, or not this user's notification
		var count int
		if err := db.GetContext(ctx, &count,
			"SELECT COUNT(*) FROM notifications WHERE id = ? AND user_id = ?", id, userID); err != nil {
			return fmt.Errorf("failed to check notification: %w", err)
		}
		if count == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
	return changed, err
}

// MarkAllNotificationsRead marks every unread notification of a user as read
// and returns the ids that changed. Select and update share one write slot,
// so no other write lands between them.
func (m *Manager) MarkAllNotificationsRead(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		if err := db.SelectContext(ctx, &ids,
			"SELECT id FROM notifications WHERE user_id = ? AND is_read = 0 ORDER BY created_at DESC, rowid DESC",
			userID); err != nil {
			return fmt.Errorf("failed to list unread notifications: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := db.ExecContext(ctx,
			"UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID); err != nil {
			return fmt.Errorf("failed to mark all notifications read: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateNotification rewrites the mutable content of a notification. The read
// flag is owned by MarkNotificationRead and never written here.
func (m *Manager) UpdateNotification(ctx context.Context, n *types.Notification) error {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		result, err := db.ExecContext(ctx, `
			UPDATE notifications
			SET type = ?, title = ?, message = ?, metadata = ?
			WHERE id = ?
		`, n.Type, n.Title, n.Message, metadata, n.ID)
		if err != nil {
			return fmt.Errorf("failed to update notification: %w", err)
		}
		return requireAffected(result)
	})
}

// DeleteNotification removes one notification owned by userID
func (m *Manager) DeleteNotification(ctx context.Context, userID, id string) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		result, err := db.ExecContext(ctx,
			"DELETE FROM notifications WHERE id = ? AND user_id = ?", id, userID)
		if err != nil {
			return fmt.Errorf("failed to delete notification: %w", err)
		}
		return requireAffected(result)
	})
}

// ClearNotifications removes every notification owned by userID and returns
// the deleted ids
func (m *Manager) ClearNotifications(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		if err := db.SelectContext(ctx, &ids,
			"SELECT id FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC", userID); err != nil {
			return fmt.Errorf("failed to list notifications: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := db.ExecContext(ctx, "DELETE FROM notifications WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("failed to clear notifications: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendActivity records a feed entry
func (m *Manager) AppendActivity(ctx context.Context, e *types.ActivityEvent) error {
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO activities (id, user_id, type, description, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.ID, e.UserID, string(e.Type), e.Description, metadata, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert activity: %w", err)
		}
		return nil
	})
}

// ListActivities returns a newest-first window of the feed
func (m *Manager) ListActivities(ctx context.Context, filter types.ActivityFilter, limit, offset int) ([]*types.ActivityEvent, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}

	query := "SELECT id, user_id, type, description, metadata, created_at FROM activities"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []activityRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}

	events := make([]*types.ActivityEvent, 0, len(rows))
	for i := range rows {
		e := rows[i].ActivityEvent
		if err := decodeMetadata(rows[i].MetadataJSON, &e.Metadata); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, nil
}

// SavePresence upserts the last known presence of a user
func (m *Manager) SavePresence(ctx context.Context, rec *types.PresenceRecord) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO presence (user_id, status, last_seen)
			VALUES (:user_id, :status, :last_seen)
			ON CONFLICT(user_id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen
		`, map[string]interface{}{
			"user_id":   rec.UserID,
			"status":    string(rec.Status),
			"last_seen": rec.LastSeen.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to save presence: %w", err)
		}
		return nil
	})
}

// GetPresence returns the persisted presence of a user
func (m *Manager) GetPresence(ctx context.Context, userID string) (*types.PresenceRecord, error) {
	var rec types.PresenceRecord
	err := m.db.GetContext(ctx, &rec,
		"SELECT user_id, status, last_seen FROM presence WHERE user_id = ?", userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	return &rec, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_migrations"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db.DB
}

// Close shuts down the database manager
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

func (r *notificationRow) toNotification() (*types.Notification, error) {
	n := r.Notification
	if err := decodeMetadata(r.MetadataJSON, &n.Metadata); err != nil {
		return nil, err
	}
	return &n, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// TECHNICAL DISCOVERY: Metadata is stored as a JSON object string so the
// schema stays stable while producers attach arbitrary context
func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw string, out *map[string]any) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}
