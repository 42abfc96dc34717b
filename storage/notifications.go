package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	// StatusPending means the notification awaits a user decision.
	StatusPending = "pending"
	// StatusAccepted means the transferred note was written locally.
	StatusAccepted = "accepted"
	// StatusRejected means the transferred payload was discarded.
	StatusRejected = "rejected"
)

// NotificationRecord is the persisted form of an inbound share notification.
// Resolved records are retained as history rather than deleted.
type NotificationRecord struct {
	ID             string
	FromDeviceID   string
	FromDeviceName string
	FromIP         string
	FromPort       int
	NoteID         string
	NoteTitle      string
	Status         string
	ReceivedAt     int64
	ResolvedAt     *int64
}

func validateNotificationStatus(status string) error {
	switch status {
	case StatusPending, StatusAccepted, StatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid notification status %q", status)
	}
}

// InsertNotification persists a new notification row.
func (s *Store) InsertNotification(record NotificationRecord) error {
	if record.ID == "" {
		return errors.New("storage: notification id is required")
	}
	if err := validateNotificationStatus(record.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(`
INSERT INTO sync_notifications
  (id, from_device_id, from_device_name, from_ip, from_port, note_id, note_title, status, received_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		record.ID,
		record.FromDeviceID,
		record.FromDeviceName,
		record.FromIP,
		record.FromPort,
		record.NoteID,
		record.NoteTitle,
		record.Status,
		record.ReceivedAt,
		nullInt64(record.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetNotification returns one notification by id.
func (s *Store) GetNotification(id string) (NotificationRecord, error) {
	row := s.db.QueryRow(`
SELECT id, from_device_id, from_device_name, from_ip, from_port, note_id, note_title, status, received_at, resolved_at
FROM sync_notifications
WHERE id = ?;`, id)

	record, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotificationRecord{}, ErrNotFound
		}
		return NotificationRecord{}, fmt.Errorf("get notification: %w", err)
	}
	return record, nil
}

// ListNotifications returns all notifications in arrival order.
func (s *Store) ListNotifications() ([]NotificationRecord, error) {
	rows, err := s.db.Query(`
SELECT id, from_device_id, from_device_name, from_ip, from_port, note_id, note_title, status, received_at, resolved_at
FROM sync_notifications
ORDER BY received_at ASC, rowid ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var records []NotificationRecord
	for rows.Next() {
		record, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return records, nil
}

// ResolveNotification transitions a notification from pending to a terminal
// status with a compare-and-set. A row that already left pending yields
// ErrAlreadyResolved; a missing row yields ErrNotFound.
func (s *Store) ResolveNotification(id, status string, resolvedAt int64) error {
	if err := validateNotificationStatus(status); err != nil {
		return err
	}
	if status == StatusPending {
		return errors.New("storage: cannot resolve to pending")
	}

	result, err := s.db.Exec(`
UPDATE sync_notifications
SET status = ?, resolved_at = ?
WHERE id = ? AND status = ?;`, status, resolvedAt, id, StatusPending)
	if err != nil {
		return fmt.Errorf("resolve notification: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve notification rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetNotification(id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (NotificationRecord, error) {
	var record NotificationRecord
	var resolvedAt sql.NullInt64
	err := row.Scan(
		&record.ID,
		&record.FromDeviceID,
		&record.FromDeviceName,
		&record.FromIP,
		&record.FromPort,
		&record.NoteID,
		&record.NoteTitle,
		&record.Status,
		&record.ReceivedAt,
		&resolvedAt,
	)
	if err != nil {
		return NotificationRecord{}, err
	}
	if resolvedAt.Valid {
		value := resolvedAt.Int64
		record.ResolvedAt = &value
	}
	return record, nil
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}
