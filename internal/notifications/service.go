// Package notifications records user-facing notifications and pushes them to
// the UI through the event bus.
package notifications

import (
	"context"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/store"
)

// NotificationStore is the persistence surface for notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *store.Notification) (*store.Notification, error)
	ListNotifications(ctx context.Context, limit int) ([]*store.Notification, error)
	UnreadNotificationCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Service creates and lists notifications.
type Service struct {
	store  NotificationStore
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates the notification service.
func NewService(notificationStore NotificationStore, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  notificationStore,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "notifications")),
	}
}

// Create persists a notification and publishes os_notification.
func (s *Service) Create(ctx context.Context, title, body, sessionID, agentSlug string) (*store.Notification, error) {
	if title == "" {
		return nil, apperr.Validation("title is required")
	}
	created, err := s.store.CreateNotification(ctx, &store.Notification{
		Title:     title,
		Body:      body,
		SessionID: sessionID,
		AgentSlug: agentSlug,
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(bus.NewEvent(events.TypeOSNotification, "notifications", events.OSNotificationPayload{
		NotificationID: created.ID,
		Title:          created.Title,
		Body:           created.Body,
		SessionID:      created.SessionID,
		AgentSlug:      created.AgentSlug,
	}))
	return created, nil
}

// List returns recent notifications.
func (s *Service) List(ctx context.Context, limit int) ([]*store.Notification, error) {
	return s.store.ListNotifications(ctx, limit)
}

// UnreadCount returns the number of unread notifications.
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	return s.store.UnreadNotificationCount(ctx)
}

// MarkRead stamps one notification read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkNotificationRead(ctx, id)
}

// MarkAllRead stamps every unread notification.
func (s *Service) MarkAllRead(ctx context.Context) error {
	return s.store.MarkAllNotificationsRead(ctx)
}
