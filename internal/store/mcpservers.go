package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skillfulagents/workstation/internal/common/apperr"
)

// CreateMCPServer inserts a new remote MCP server record.
func (s *Store) CreateMCPServer(ctx context.Context, srv *RemoteMCPServer) (*RemoteMCPServer, error) {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.Status == "" {
		srv.Status = MCPStatusActive
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_mcp_servers (id, name, url, auth_type, access_token, refresh_token, oauth_client_secret,
		 tools_json, status, error_message, tools_discovered_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.URL, srv.AuthType, srv.AccessToken, srv.RefreshToken, srv.OAuthClientSecret,
		srv.ToolsJSON, srv.Status, srv.ErrorMessage, srv.ToolsDiscoveredAt, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// GetMCPServer returns a server by id.
func (s *Store) GetMCPServer(ctx context.Context, id string) (*RemoteMCPServer, error) {
	var srv RemoteMCPServer
	err := s.db.GetContext(ctx, &srv, `SELECT * FROM remote_mcp_servers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("remote MCP server", id)
	}
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// ListMCPServers returns all servers, newest first.
func (s *Store) ListMCPServers(ctx context.Context) ([]*RemoteMCPServer, error) {
	servers := []*RemoteMCPServer{}
	err := s.db.SelectContext(ctx, &servers,
		`SELECT * FROM remote_mcp_servers ORDER BY created_at DESC`)
	return servers, err
}

// UpdateMCPServer persists mutable fields of a server record.
func (s *Store) UpdateMCPServer(ctx context.Context, srv *RemoteMCPServer) error {
	srv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE remote_mcp_servers SET name = ?, url = ?, auth_type = ?, access_token = ?, refresh_token = ?,
		 oauth_client_secret = ?, tools_json = ?, status = ?, error_message = ?, tools_discovered_at = ?, updated_at = ?
		 WHERE id = ?`,
		srv.Name, srv.URL, srv.AuthType, srv.AccessToken, srv.RefreshToken, srv.OAuthClientSecret,
		srv.ToolsJSON, srv.Status, srv.ErrorMessage, srv.ToolsDiscoveredAt, srv.UpdatedAt, srv.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("remote MCP server", srv.ID)
	}
	return nil
}

// DeleteMCPServer removes a server record.
func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM remote_mcp_servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("remote MCP server", id)
	}
	return nil
}
