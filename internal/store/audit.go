package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppendAudit writes one audit entry. The proxy calls this off the response path.
func (s *Store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, agent_slug, account_id, toolkit, target_host, target_path, method, status_code, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentSlug, entry.AccountID, entry.Toolkit, entry.TargetHost,
		entry.TargetPath, entry.Method, entry.StatusCode, entry.ErrorMessage, entry.CreatedAt)
	return err
}

// ListAudit returns audit entries for an agent paginated by created_at descending.
func (s *Store) ListAudit(ctx context.Context, agentSlug string, offset, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	entries := []*AuditEntry{}
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_log WHERE agent_slug = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		agentSlug, limit, offset)
	return entries, err
}
