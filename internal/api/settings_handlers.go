package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/settings"
)

type startRunnerRequest struct {
	Runner string `json:"runner"`
}

type validateKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings.Get())
}

func (s *Server) putSettings(c *gin.Context) {
	var update settings.Update
	if !bindJSON(c, s.logger, &update) {
		return
	}

	prevRunner := s.settings.ContainerRunner()
	applied, err := s.settings.Apply(&update)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}

	// A runner change restarts the readiness probe against the new runner.
	if applied.Container.ContainerRunner != prevRunner {
		go s.containers.Readiness().Check(context.Background())
	}

	c.JSON(http.StatusOK, applied)
}

func (s *Server) startRunner(c *gin.Context) {
	var req startRunnerRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.Runner == "" {
		req.Runner = s.settings.ContainerRunner()
	}

	avail, err := s.registry.StartRunner(c.Request.Context(), req.Runner)
	if err != nil {
		handleError(c, s.logger, apperr.RuntimeUnavailable(err.Error()))
		return
	}

	// Availability changed; re-run the image readiness probe.
	go s.containers.Readiness().Check(context.Background())

	c.JSON(http.StatusOK, gin.H{"runner": req.Runner, "availability": avail})
}

// validateAnthropicKey probes the Anthropic API with the candidate key.
func (s *Server) validateAnthropicKey(c *gin.Context) {
	var req validateKeyRequest
	if !bindJSON(c, s.logger, &req) {
		return
	}
	if req.APIKey == "" {
		handleError(c, s.logger, apperr.Validation("apiKey is required"))
		return
	}

	httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet,
		"https://api.anthropic.com/v1/models", nil)
	if err != nil {
		handleError(c, s.logger, apperr.Internal("failed to build probe request", err))
		return
	}
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		handleError(c, s.logger, apperr.UpstreamError("key validation request failed", err))
		return
	}
	defer resp.Body.Close()

	c.JSON(http.StatusOK, gin.H{"valid": resp.StatusCode == http.StatusOK})
}

// factoryReset stops everything and clears user data.
func (s *Server) factoryReset(c *gin.Context) {
	ctx := c.Request.Context()

	s.containers.StopAll(ctx)
	s.browser.StopAll()

	agentsRoot := s.agents.AgentsRoot()
	if err := os.RemoveAll(agentsRoot); err != nil {
		s.logger.Warn("failed to remove agents directory", zap.Error(err))
	}
	profilesRoot := filepath.Join(s.cfg.DataDir, "host-browser-profiles")
	if err := os.RemoveAll(profilesRoot); err != nil {
		s.logger.Warn("failed to remove browser profiles", zap.Error(err))
	}

	if err := s.settings.FactoryReset(); err != nil {
		handleError(c, s.logger, err)
		return
	}

	s.logger.Info("factory reset completed")
	c.Status(http.StatusNoContent)
}

func (s *Server) runtimeReadiness(c *gin.Context) {
	state := s.containers.Readiness().State()
	runners := map[string]interface{}{}
	for _, name := range s.registry.Runners() {
		if avail, err := s.registry.Availability(c.Request.Context(), name); err == nil {
			runners[name] = avail
		}
	}
	c.JSON(http.StatusOK, gin.H{"readiness": state, "runners": runners})
}
