// Package mcpservers manages the registry of remote MCP servers: connection
// probing, tool discovery, and the OAuth registration flow.
package mcpservers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/store"
)

const probeTimeout = 30 * time.Second

// ServerStore is the persistence surface for remote MCP servers.
type ServerStore interface {
	CreateMCPServer(ctx context.Context, srv *store.RemoteMCPServer) (*store.RemoteMCPServer, error)
	GetMCPServer(ctx context.Context, id string) (*store.RemoteMCPServer, error)
	ListMCPServers(ctx context.Context) ([]*store.RemoteMCPServer, error)
	UpdateMCPServer(ctx context.Context, srv *store.RemoteMCPServer) error
	DeleteMCPServer(ctx context.Context, id string) error
}

// Service manages remote MCP servers.
type Service struct {
	servers ServerStore
	logger  *logger.Logger

	// Pending OAuth flows keyed by state parameter.
	mu      sync.Mutex
	pending map[string]*pendingOAuth
}

type pendingOAuth struct {
	Name         string
	URL          string
	ClientID     string
	ClientSecret string
	TokenURL     string
	RedirectURI  string
	CreatedAt    time.Time
}

// NewService creates the MCP server service.
func NewService(servers ServerStore, log *logger.Logger) *Service {
	return &Service{
		servers: servers,
		logger:  log.WithFields(zap.String("component", "mcp_servers")),
		pending: make(map[string]*pendingOAuth),
	}
}

// List returns all registered servers.
func (s *Service) List(ctx context.Context) ([]*store.RemoteMCPServer, error) {
	return s.servers.ListMCPServers(ctx)
}

// Get returns one server.
func (s *Service) Get(ctx context.Context, id string) (*store.RemoteMCPServer, error) {
	return s.servers.GetMCPServer(ctx, id)
}

// Create registers a bearer or none-auth server after a successful connection
// probe. OAuth servers must go through the OAuth flow instead.
func (s *Service) Create(ctx context.Context, name, serverURL, authType, accessToken string) (*store.RemoteMCPServer, error) {
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return nil, apperr.Validation("url is not valid")
	}
	switch authType {
	case store.MCPAuthNone, store.MCPAuthBearer:
	case store.MCPAuthOAuth:
		return nil, apperr.Validation("oauth servers must be registered through the oauth flow")
	default:
		return nil, apperr.Validation("authType must be none, oauth or bearer")
	}
	if authType == store.MCPAuthBearer && accessToken == "" {
		return nil, apperr.Validation("accessToken is required for bearer auth")
	}

	if err := s.probe(ctx, serverURL, accessToken); err != nil {
		return nil, apperr.UpstreamError("connection probe failed", err)
	}

	return s.servers.CreateMCPServer(ctx, &store.RemoteMCPServer{
		Name:        name,
		URL:         serverURL,
		AuthType:    authType,
		AccessToken: accessToken,
		Status:      store.MCPStatusActive,
	})
}

// Update patches name, url, and bearer token.
func (s *Service) Update(ctx context.Context, id string, name, serverURL, accessToken *string) (*store.RemoteMCPServer, error) {
	srv, err := s.servers.GetMCPServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		srv.Name = *name
	}
	if serverURL != nil {
		if _, err := url.ParseRequestURI(*serverURL); err != nil {
			return nil, apperr.Validation("url is not valid")
		}
		srv.URL = *serverURL
	}
	if accessToken != nil {
		srv.AccessToken = *accessToken
	}
	if err := s.servers.UpdateMCPServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// Delete removes a server.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.servers.DeleteMCPServer(ctx, id)
}

// TestConnection probes a registered server and records the outcome.
func (s *Service) TestConnection(ctx context.Context, id string) (*store.RemoteMCPServer, error) {
	srv, err := s.servers.GetMCPServer(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.probe(ctx, srv.URL, srv.AccessToken); err != nil {
		srv.Status = store.MCPStatusError
		srv.ErrorMessage = err.Error()
		if isAuthError(err) {
			srv.Status = store.MCPStatusAuthRequired
		}
	} else {
		srv.Status = store.MCPStatusActive
		srv.ErrorMessage = ""
	}

	if updateErr := s.servers.UpdateMCPServer(ctx, srv); updateErr != nil {
		return nil, updateErr
	}
	return srv, nil
}

// DiscoverTools connects to a server, lists its tools, and stores the result.
func (s *Service) DiscoverTools(ctx context.Context, id string) (*store.RemoteMCPServer, error) {
	srv, err := s.servers.GetMCPServer(ctx, id)
	if err != nil {
		return nil, err
	}

	tools, err := s.listTools(ctx, srv.URL, srv.AccessToken)
	if err != nil {
		srv.Status = store.MCPStatusError
		srv.ErrorMessage = err.Error()
		if isAuthError(err) {
			srv.Status = store.MCPStatusAuthRequired
		}
		if updateErr := s.servers.UpdateMCPServer(ctx, srv); updateErr != nil {
			return nil, updateErr
		}
		return nil, apperr.UpstreamError("tool discovery failed", err)
	}

	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, apperr.Internal("failed to serialize tools", err)
	}

	now := time.Now().UTC()
	srv.ToolsJSON = string(toolsJSON)
	srv.ToolsDiscoveredAt = &now
	srv.Status = store.MCPStatusActive
	srv.ErrorMessage = ""
	if err := s.servers.UpdateMCPServer(ctx, srv); err != nil {
		return nil, err
	}

	s.logger.Info("discovered tools",
		zap.String("server_id", srv.ID),
		zap.Int("tools", len(tools)))
	return srv, nil
}

// connect dials a server and completes the MCP initialize handshake.
func (s *Service) connect(ctx context.Context, serverURL, accessToken string) (*client.Client, error) {
	var options []transport.StreamableHTTPCOption
	if accessToken != "" {
		options = append(options, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + accessToken,
		}))
	}

	c, err := client.NewStreamableHttpClient(serverURL, options...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "workstation",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.Initialize(ctx, initRequest); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialization failed: %w", err)
	}
	return c, nil
}

func (s *Service) probe(ctx context.Context, serverURL, accessToken string) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	c, err := s.connect(probeCtx, serverURL, accessToken)
	if err != nil {
		return err
	}
	return c.Close()
}

func (s *Service) listTools(ctx context.Context, serverURL, accessToken string) ([]mcp.Tool, error) {
	listCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	c, err := s.connect(listCtx, serverURL, accessToken)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	result, err := c.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "forbidden")
}

// InitiateOAuth records a pending flow and returns the authorization URL the
// UI should open plus the state used to correlate the callback.
func (s *Service) InitiateOAuth(name, serverURL, authorizeURL, tokenURL, clientID, clientSecret, redirectURI string) (string, string, error) {
	if name == "" || serverURL == "" || authorizeURL == "" || tokenURL == "" || clientID == "" {
		return "", "", apperr.Validation("name, url, authorizeUrl, tokenUrl and clientId are required")
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", apperr.Internal("failed to generate state", err)
	}
	state := hex.EncodeToString(raw)

	s.mu.Lock()
	s.pending[state] = &pendingOAuth{
		Name:         name,
		URL:          serverURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		RedirectURI:  redirectURI,
		CreatedAt:    time.Now(),
	}
	s.mu.Unlock()

	authURL, err := url.Parse(authorizeURL)
	if err != nil {
		return "", "", apperr.Validation("authorizeUrl is not valid")
	}
	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	authURL.RawQuery = query.Encode()

	return authURL.String(), state, nil
}

// CompleteOAuth exchanges the authorization code and registers the server.
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (*store.RemoteMCPServer, error) {
	s.mu.Lock()
	flow, ok := s.pending[state]
	if ok {
		delete(s.pending, state)
	}
	s.mu.Unlock()
	if !ok {
		return nil, apperr.NotFoundMsg("no pending oauth flow for this state")
	}

	accessToken, refreshToken, err := exchangeCode(ctx, flow, code)
	if err != nil {
		return nil, apperr.UpstreamError("code exchange failed", err)
	}

	return s.servers.CreateMCPServer(ctx, &store.RemoteMCPServer{
		Name:              flow.Name,
		URL:               flow.URL,
		AuthType:          store.MCPAuthOAuth,
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		OAuthClientSecret: flow.ClientSecret,
		Status:            store.MCPStatusActive,
	})
}
