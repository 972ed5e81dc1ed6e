package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skillfulagents/workstation/internal/common/apperr"
)

// CreateAccount inserts a new connected account and returns it.
func (s *Store) CreateAccount(ctx context.Context, toolkitSlug, composioConnectionID, displayName string) (*ConnectedAccount, error) {
	acct := &ConnectedAccount{
		ID:                   uuid.New().String(),
		ToolkitSlug:          toolkitSlug,
		ComposioConnectionID: composioConnectionID,
		DisplayName:          displayName,
		CreatedAt:            time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connected_accounts (id, toolkit_slug, composio_connection_id, display_name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		acct.ID, acct.ToolkitSlug, acct.ComposioConnectionID, acct.DisplayName, acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*ConnectedAccount, error) {
	var acct ConnectedAccount
	err := s.db.GetContext(ctx, &acct, `SELECT * FROM connected_accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("account", id)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListAccounts returns all connected accounts, newest first.
func (s *Store) ListAccounts(ctx context.Context) ([]*ConnectedAccount, error) {
	accounts := []*ConnectedAccount{}
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT * FROM connected_accounts ORDER BY created_at DESC`)
	return accounts, err
}

// RenameAccount updates an account's display name.
func (s *Store) RenameAccount(ctx context.Context, id, displayName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connected_accounts SET display_name = ? WHERE id = ?`, displayName, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("account", id)
	}
	return nil
}

// DeleteAccount removes an account; mappings cascade.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connected_accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("account", id)
	}
	return nil
}

// MapAccountToAgent binds an account to an agent. Idempotent.
func (s *Store) MapAccountToAgent(ctx context.Context, agentSlug, accountID string) error {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agent_account_mappings (agent_slug, account_id, created_at)
		 VALUES (?, ?, ?)`,
		agentSlug, accountID, time.Now().UTC())
	return err
}

// UnmapAccountFromAgent removes a mapping. Removing the last mapping does not
// delete the account.
func (s *Store) UnmapAccountFromAgent(ctx context.Context, agentSlug, accountID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_account_mappings WHERE agent_slug = ? AND account_id = ?`,
		agentSlug, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFoundMsg("account not mapped to this agent")
	}
	return nil
}

// ListAccountsForAgent returns the accounts mapped to an agent.
func (s *Store) ListAccountsForAgent(ctx context.Context, agentSlug string) ([]*ConnectedAccount, error) {
	accounts := []*ConnectedAccount{}
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT a.* FROM connected_accounts a
		 JOIN agent_account_mappings m ON m.account_id = a.id
		 WHERE m.agent_slug = ?
		 ORDER BY a.created_at DESC`, agentSlug)
	return accounts, err
}

// GetMappedAccount returns the account iff it is mapped to the agent.
func (s *Store) GetMappedAccount(ctx context.Context, agentSlug, accountID string) (*ConnectedAccount, error) {
	var acct ConnectedAccount
	err := s.db.GetContext(ctx, &acct,
		`SELECT a.* FROM connected_accounts a
		 JOIN agent_account_mappings m ON m.account_id = a.id
		 WHERE m.agent_slug = ? AND a.id = ?`, agentSlug, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundMsg("Account not found or not mapped to this agent")
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// DeleteMappingsForAgent removes all account mappings for an agent. Used when
// the agent is deleted.
func (s *Store) DeleteMappingsForAgent(ctx context.Context, agentSlug string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_account_mappings WHERE agent_slug = ?`, agentSlug)
	return err
}
