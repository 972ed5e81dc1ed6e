package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skillfulagents/workstation/internal/common/apperr"
)

// CreateNotification inserts a new notification.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) (*Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, title, body, session_id, agent_slug, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		n.ID, n.Title, n.Body, n.SessionID, n.AgentSlug, n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	notifications := []*Notification{}
	err := s.db.SelectContext(ctx, &notifications,
		`SELECT * FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	return notifications, err
}

// UnreadNotificationCount returns the number of notifications with no read_at.
func (s *Store) UnreadNotificationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE read_at IS NULL`)
	return count, err
}

// MarkNotificationRead stamps read_at on one notification.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM notifications WHERE id = ?`, id); err != nil {
			return err
		}
		if exists == 0 {
			return apperr.NotFound("notification", id)
		}
	}
	return nil
}

// MarkAllNotificationsRead stamps read_at on every unread notification.
func (s *Store) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE read_at IS NULL`, time.Now().UTC())
	return err
}

// GetNotification returns one notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := s.db.GetContext(ctx, &n, `SELECT * FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("notification", id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}
