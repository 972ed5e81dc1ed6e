package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillfulagents/workstation/internal/common/apperr"
)

type createMCPRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	AuthType    string `json:"authType"`
	AccessToken string `json:"accessToken"`
}

type updateMCPRequest struct {
	Name        *string `json:"name"`
	URL         *string `json:"url"`
	AccessToken *string `json:"accessToken"`
}

type initiateMCPOAuthRequest struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	AuthorizeURL string `json:"authorizeUrl"`
	TokenURL     string `json:"tokenUrl"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
}

func (s *Server) listMCPServers(c *gin.Context) {
	servers, err := s.mcp.List(c.Request.Context())
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (s *Server) createMCPServer(c *gin.Context) {
	var req createMCPRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	server, err := s.mcp.Create(c.Request.Context(), req.Name, req.URL, req.AuthType, req.AccessToken)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, server)
}

// getMCPServerOrCallback serves GET /remote-mcps/:id, where the reserved id
// "oauth-callback" is the OAuth redirect target.
func (s *Server) getMCPServerOrCallback(c *gin.Context) {
	if c.Param("id") == "oauth-callback" {
		s.mcpOAuthCallback(c)
		return
	}
	server, err := s.mcp.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

// postMCPServerAction serves POST /remote-mcps/:id, where the reserved id
// "initiate-oauth" begins a new OAuth flow.
func (s *Server) postMCPServerAction(c *gin.Context) {
	if c.Param("id") == "initiate-oauth" {
		s.initiateMCPOAuth(c)
		return
	}
	handleError(c, s.logger, apperr.NotFound("remote MCP action", c.Param("id")))
}

func (s *Server) updateMCPServer(c *gin.Context) {
	var req updateMCPRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	server, err := s.mcp.Update(c.Request.Context(), c.Param("id"), req.Name, req.URL, req.AccessToken)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) deleteMCPServer(c *gin.Context) {
	if err := s.mcp.Delete(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) discoverMCPTools(c *gin.Context) {
	server, err := s.mcp.DiscoverTools(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) testMCPConnection(c *gin.Context) {
	server, err := s.mcp.TestConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) initiateMCPOAuth(c *gin.Context) {
	var req initiateMCPOAuthRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = s.cfg.App.ProtocolScheme + "://mcp-oauth-callback"
	}
	authURL, state, err := s.mcp.InitiateOAuth(req.Name, req.URL, req.AuthorizeURL, req.TokenURL, req.ClientID, req.ClientSecret, redirectURI)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorizationUrl": authURL, "state": state})
}

func (s *Server) mcpOAuthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		handleError(c, s.logger, apperr.Validation("state and code are required"))
		return
	}
	server, err := s.mcp.CompleteOAuth(c.Request.Context(), state, code)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, server)
}
