package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillfulagents/workstation/internal/common/apperr"
)

type mapAccountRequest struct {
	AccountID string `json:"accountId"`
}

type initiateAccountRequest struct {
	ToolkitSlug string `json:"toolkitSlug"`
}

type completeAccountRequest struct {
	ConnectionID string `json:"connectionId"`
	ToolkitSlug  string `json:"toolkitSlug"`
	DisplayName  string `json:"displayName"`
}

type renameAccountRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) listAgentAccounts(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.agents.Get(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	accounts, err := s.store.ListAccountsForAgent(c.Request.Context(), slug)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) mapAccount(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.agents.Get(slug); err != nil {
		handleError(c, s.logger, err)
		return
	}
	var req mapAccountRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.AccountID == "" {
		handleError(c, s.logger, apperr.Validation("accountId is required"))
		return
	}
	if err := s.store.MapAccountToAgent(c.Request.Context(), slug, req.AccountID); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unmapAccount(c *gin.Context) {
	if err := s.store.UnmapAccountFromAgent(c.Request.Context(), c.Param("slug"), c.Param("accountId")); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// initiateAccount begins the broker OAuth flow and returns the redirect URL
// the desktop shell opens in the user's browser.
func (s *Server) initiateAccount(c *gin.Context) {
	var req initiateAccountRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.ToolkitSlug == "" {
		handleError(c, s.logger, apperr.Validation("toolkitSlug is required"))
		return
	}

	callbackURL := s.cfg.App.ProtocolScheme + "://composio-callback"
	conn, err := s.composio.InitiateConnection(c.Request.Context(), req.ToolkitSlug, callbackURL)
	if err != nil {
		handleError(c, s.logger, apperr.UpstreamError("failed to initiate connection", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connectionId": conn.ID,
		"redirectUrl":  conn.RedirectURL,
	})
}

// completeAccount verifies the broker connection became active and persists
// the account record.
func (s *Server) completeAccount(c *gin.Context) {
	var req completeAccountRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.ConnectionID == "" || req.ToolkitSlug == "" {
		handleError(c, s.logger, apperr.Validation("connectionId and toolkitSlug are required"))
		return
	}

	conn, err := s.composio.GetConnection(c.Request.Context(), req.ConnectionID)
	if err != nil {
		handleError(c, s.logger, apperr.UpstreamError("failed to verify connection", err))
		return
	}
	if conn.Status != "ACTIVE" && conn.Status != "active" {
		handleError(c, s.logger, apperr.Validation("connection is not active yet"))
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = conn.DisplayName
	}
	if displayName == "" {
		displayName = req.ToolkitSlug
	}

	account, err := s.store.CreateAccount(c.Request.Context(), req.ToolkitSlug, req.ConnectionID, displayName)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) renameAccount(c *gin.Context) {
	var req renameAccountRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.DisplayName == "" {
		handleError(c, s.logger, apperr.Validation("displayName is required"))
		return
	}
	if err := s.store.RenameAccount(c.Request.Context(), c.Param("id"), req.DisplayName); err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteAccount(c *gin.Context) {
	ctx := c.Request.Context()
	account, err := s.store.GetAccount(ctx, c.Param("id"))
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	if err := s.store.DeleteAccount(ctx, account.ID); err != nil {
		handleError(c, s.logger, err)
		return
	}
	s.proxy.EvictToken(account.ComposioConnectionID)
	c.Status(http.StatusNoContent)
}
