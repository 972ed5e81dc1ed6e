// Package main is the entry point for the workstation control plane: the
// local process that manages per-agent containers, the credential proxy, the
// event stream, host browsers, and scheduled tasks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/agents"
	"github.com/skillfulagents/workstation/internal/api"
	"github.com/skillfulagents/workstation/internal/browserstream"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/container"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/events/sse"
	"github.com/skillfulagents/workstation/internal/hostbrowser"
	"github.com/skillfulagents/workstation/internal/mcpservers"
	"github.com/skillfulagents/workstation/internal/notifications"
	"github.com/skillfulagents/workstation/internal/proxy"
	"github.com/skillfulagents/workstation/internal/proxy/composio"
	"github.com/skillfulagents/workstation/internal/runtime"
	"github.com/skillfulagents/workstation/internal/scheduler"
	"github.com/skillfulagents/workstation/internal/sessions"
	"github.com/skillfulagents/workstation/internal/settings"
	"github.com/skillfulagents/workstation/internal/store"
)

const shutdownForceExit = 10 * time.Second

func main() {
	// Configuration resolves completely before any component is constructed.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting workstation control plane...", zap.String("data_dir", cfg.DataDir))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relational store
	appStore, err := store.Open(filepath.Join(cfg.DataDir, "app.db"))
	if err != nil {
		log.Fatal("Failed to open app database", zap.Error(err))
	}
	defer appStore.Close()

	// Event bus
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	// Runtime registry with a startup availability sweep
	registry := runtime.NewRegistry(log)
	registry.RefreshAll(ctx)

	// Settings
	settingsSvc, err := settings.NewService(cfg.DataDir, cfg.App, log)
	if err != nil {
		log.Fatal("Failed to load settings", zap.Error(err))
	}

	// Disk services
	agentsSvc := agents.NewService(cfg.DataDir, log)
	sessionsSvc := sessions.NewService(agentsSvc, log)

	// Container manager
	containerSettings := &containerSettingsAdapter{
		settings: settingsSvc,
		agents:   agentsSvc,
		store:    appStore,
		cfg:      cfg,
		logger:   log,
	}
	containerMgr := container.NewManager(registry, containerSettings, eventBus, cfg.Container, log)
	settingsSvc.SetRunningChecker(containerMgr)

	// Host browser manager; external exits are pushed to the UI.
	browserMgr := hostbrowser.NewManager(cfg.Browser, cfg.DataDir, func(agentID string) {
		eventBus.Publish(bus.NewEvent(events.TypeBrowserActive, "host_browser", events.BrowserActivePayload{
			AgentID: agentID,
			Active:  false,
		}))
		notifyContainerBrowserClosed(containerMgr, agentID, log)
	}, log)

	// Credential proxy
	composioClient := composio.NewClient(cfg.Composio.BaseURL, func() (string, string) {
		return settingsSvc.ComposioAPIKey(), settingsSvc.ComposioUserID()
	}, log)
	credProxy := proxy.New(cfg.Proxy, appStore, appStore, appStore, &composioFetcher{client: composioClient}, log)
	defer credProxy.Close()

	// Scheduler and auto-sleep monitor
	dispatcher := &scheduler.HTTPDispatcher{Client: &http.Client{Timeout: 30 * time.Second}}
	schedulerSvc := scheduler.New(appStore, containerMgr, sessionsSvc, dispatcher, eventBus, cfg.Scheduler, log)
	autoSleep := scheduler.NewAutoSleep(containerMgr, sessionsSvc, settingsSvc, cfg.Scheduler, log)

	// Remote MCP servers and notifications
	mcpSvc := mcpservers.NewService(appStore, log)
	notifSvc := notifications.NewService(appStore, eventBus, log)

	// SSE broadcaster
	broadcaster := sse.NewBroadcaster(eventBus, log)

	// Populate the status cache and probe image readiness.
	containerMgr.InitializeAgents(ctx, agentsSvc.Slugs())
	containerMgr.Run()
	go containerMgr.Readiness().Check(ctx)

	if err := schedulerSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	if err := autoSleep.Start(ctx); err != nil {
		log.Fatal("Failed to start auto-sleep monitor", zap.Error(err))
	}

	// HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := api.NewServer(api.Deps{
		Config:     cfg,
		Agents:     agentsSvc,
		Sessions:   sessionsSvc,
		Containers: containerMgr,
		Browser:    browserMgr,
		Stream:     browserstream.New(containerMgr, log),
		Proxy:      credProxy,
		Scheduler:  schedulerSvc,
		Settings:   settingsSvc,
		MCP:        mcpSvc,
		Notifs:     notifSvc,
		Broadcast:  broadcaster,
		Bus:        eventBus,
		Store:      appStore,
		Registry:   registry,
		Composio:   composioClient,
		Logger:     log,
	})

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     apiServer.Router(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays zero: SSE and proxied streams are long-lived.
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		if err := schedulerSvc.Stop(); err != nil {
			log.Error("Scheduler stop error", zap.Error(err))
		}
		if err := autoSleep.Stop(); err != nil {
			log.Error("Auto-sleep stop error", zap.Error(err))
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownForceExit)
		defer shutdownCancel()

		containerMgr.Shutdown(shutdownCtx)
		browserMgr.StopAll()

		// Closing the bus ends every SSE stream so the HTTP shutdown below
		// does not wait on them.
		eventBus.Close()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
	}()

	select {
	case <-done:
		log.Info("Workstation stopped")
	case <-time.After(shutdownForceExit):
		log.Error("Shutdown timed out, forcing exit")
	}
}

// containerSettingsAdapter assembles the container manager's view of
// settings: runner, image, limits, workspace mount, and the environment the
// agent container boots with (models, custom vars, and a freshly minted
// credential-proxy token).
type containerSettingsAdapter struct {
	settings *settings.Service
	agents   *agents.Service
	store    *store.Store
	cfg      *config.Config
	logger   *logger.Logger
}

func (a *containerSettingsAdapter) ContainerRunner() string {
	return a.settings.ContainerRunner()
}

func (a *containerSettingsAdapter) AgentImage() string {
	return a.settings.AgentImage()
}

func (a *containerSettingsAdapter) ResourceLimits() (float64, string) {
	return a.settings.ResourceLimits()
}

func (a *containerSettingsAdapter) AgentWorkspace(agentSlug string) string {
	return a.agents.WorkspacePath(agentSlug)
}

func (a *containerSettingsAdapter) AgentEnv(agentSlug string) []string {
	env := []string{}

	if key := a.settings.AnthropicAPIKey(); key != "" {
		env = append(env, "ANTHROPIC_API_KEY="+key)
	}
	models := a.settings.ModelConfig()
	env = append(env,
		"AGENT_MODEL="+models.AgentModel,
		"SUMMARIZER_MODEL="+models.SummarizerModel,
		"BROWSER_MODEL="+models.BrowserModel,
	)

	for k, v := range a.settings.CustomEnv() {
		env = append(env, k+"="+v)
	}

	// The container reaches third-party APIs only through the credential
	// proxy; mint a fresh synthetic token for this boot.
	ctx, cancelMint := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelMint()
	token, err := a.store.MintProxyToken(ctx, agentSlug, 0)
	if err != nil {
		a.logger.Error("failed to mint proxy token",
			zap.String("agent_slug", agentSlug), zap.Error(err))
	} else {
		env = append(env,
			"CREDENTIAL_PROXY_TOKEN="+token,
			fmt.Sprintf("CREDENTIAL_PROXY_URL=http://host.docker.internal:%d/proxy/%s", a.cfg.Server.Port, agentSlug),
		)
	}
	return env
}

// composioFetcher adapts the broker client to the proxy's token cache.
type composioFetcher struct {
	client *composio.Client
}

func (f *composioFetcher) Fetch(ctx context.Context, connectionID string) (string, time.Time, error) {
	token, err := f.client.FetchToken(ctx, connectionID)
	if err != nil {
		return "", time.Time{}, err
	}
	return token.AccessToken, token.ExpiresAt, nil
}

// notifyContainerBrowserClosed tells a running agent its host browser went
// away. Best-effort.
func notifyContainerBrowserClosed(mgr *container.Manager, agentID string, log *logger.Logger) {
	status := mgr.GetStatus(agentID)
	if status.Status != container.StatusRunning || status.Port == 0 {
		return
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/browser/closed", status.Port)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Debug("browser-closed notification failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}
