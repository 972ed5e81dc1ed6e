package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// MintProxyToken creates a new synthetic bearer bound to an agent. A zero ttl
// means the token does not expire. Previous tokens for the agent are revoked.
func (s *Store) MintProxyToken(ctx context.Context, agentSlug string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := "wsk_" + hex.EncodeToString(raw)

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl != 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM proxy_tokens WHERE agent_slug = ?`, agentSlug); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proxy_tokens (token, agent_slug, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, agentSlug, expiresAt, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// ValidateProxyToken resolves the agent slug bound to a token. Returns ""
// for unknown or expired tokens.
func (s *Store) ValidateProxyToken(ctx context.Context, token string) (string, error) {
	var row ProxyToken
	err := s.db.GetContext(ctx, &row,
		`SELECT token, agent_slug, expires_at, created_at FROM proxy_tokens WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if row.ExpiresAt != nil && row.ExpiresAt.Before(time.Now().UTC()) {
		return "", nil
	}
	return row.AgentSlug, nil
}

// RevokeProxyTokens removes all tokens for an agent.
func (s *Store) RevokeProxyTokens(ctx context.Context, agentSlug string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxy_tokens WHERE agent_slug = ?`, agentSlug)
	return err
}
