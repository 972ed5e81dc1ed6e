// Package api exposes the HTTP surface of the control plane. Handlers are
// thin: validation and service calls only.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillfulagents/workstation/internal/agents"
	"github.com/skillfulagents/workstation/internal/browserstream"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/httpmw"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/container"
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

// Server wires every service into the router.
type Server struct {
	cfg        *config.Config
	agents     *agents.Service
	sessions   *sessions.Service
	containers *container.Manager
	browser    *hostbrowser.Manager
	stream     *browserstream.Proxy
	proxy      *proxy.Proxy
	scheduler  *scheduler.Scheduler
	settings   *settings.Service
	mcp        *mcpservers.Service
	notifs     *notifications.Service
	broadcast  *sse.Broadcaster
	bus        bus.EventBus
	store      *store.Store
	registry   *runtime.Registry
	composio   *composio.Client
	logger     *logger.Logger
}

// Deps carries the constructed services into the server.
type Deps struct {
	Config     *config.Config
	Agents     *agents.Service
	Sessions   *sessions.Service
	Containers *container.Manager
	Browser    *hostbrowser.Manager
	Stream     *browserstream.Proxy
	Proxy      *proxy.Proxy
	Scheduler  *scheduler.Scheduler
	Settings   *settings.Service
	MCP        *mcpservers.Service
	Notifs     *notifications.Service
	Broadcast  *sse.Broadcaster
	Bus        bus.EventBus
	Store      *store.Store
	Registry   *runtime.Registry
	Composio   *composio.Client
	Logger     *logger.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:        deps.Config,
		agents:     deps.Agents,
		sessions:   deps.Sessions,
		containers: deps.Containers,
		browser:    deps.Browser,
		stream:     deps.Stream,
		proxy:      deps.Proxy,
		scheduler:  deps.Scheduler,
		settings:   deps.Settings,
		mcp:        deps.MCP,
		notifs:     deps.Notifs,
		broadcast:  deps.Broadcast,
		bus:        deps.Bus,
		store:      deps.Store,
		registry:   deps.Registry,
		composio:   deps.Composio,
		logger:     deps.Logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(s.logger, "api"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "workstation"})
	})

	// Credential proxy: any method, outside /api.
	router.Any("/proxy/*proxyPath", gin.WrapH(s.proxy))

	api := router.Group("/api")
	{
		api.GET("/agents", s.listAgents)
		api.POST("/agents", s.createAgent)
		api.GET("/agents/:slug", s.getAgent)
		api.PATCH("/agents/:slug", s.updateAgent)
		api.DELETE("/agents/:slug", s.deleteAgent)
		api.POST("/agents/:slug/start", s.startAgent)
		api.POST("/agents/:slug/stop", s.stopAgent)

		api.GET("/agents/:slug/sessions", s.listSessions)
		api.POST("/agents/:slug/sessions", s.registerSession)
		api.GET("/agents/:slug/sessions/:sessionId", s.getSession)
		api.GET("/agents/:slug/sessions/:sessionId/messages", s.getSessionMessages)
		api.PATCH("/agents/:slug/sessions/:sessionId", s.patchSession)
		api.DELETE("/agents/:slug/sessions/:sessionId", s.deleteSession)
		api.POST("/agents/:slug/sessions/:sessionId/state", s.reportSessionState)

		api.GET("/agents/:slug/connected-accounts", s.listAgentAccounts)
		api.POST("/agents/:slug/connected-accounts", s.mapAccount)
		api.DELETE("/agents/:slug/connected-accounts/:accountId", s.unmapAccount)
		api.GET("/agents/:slug/audit-log", s.listAuditLog)
		api.GET("/agents/:slug/scheduled-tasks", s.listAgentTasks)

		api.GET("/agents/:slug/browser/stream", s.browserStream)

		api.GET("/connected-accounts", s.listAccounts)
		api.POST("/connected-accounts/initiate", s.initiateAccount)
		api.POST("/connected-accounts/complete", s.completeAccount)
		api.PATCH("/connected-accounts/:id", s.renameAccount)
		api.DELETE("/connected-accounts/:id", s.deleteAccount)

		// gin's tree rejects static siblings of a wildcard within one
		// method, so initiate-oauth and oauth-callback dispatch through
		// the :id segment.
		api.GET("/remote-mcps", s.listMCPServers)
		api.POST("/remote-mcps", s.createMCPServer)
		api.GET("/remote-mcps/:id", s.getMCPServerOrCallback)
		api.POST("/remote-mcps/:id", s.postMCPServerAction)
		api.PATCH("/remote-mcps/:id", s.updateMCPServer)
		api.DELETE("/remote-mcps/:id", s.deleteMCPServer)
		api.POST("/remote-mcps/:id/discover-tools", s.discoverMCPTools)
		api.POST("/remote-mcps/:id/test-connection", s.testMCPConnection)

		api.GET("/scheduled-tasks", s.listTasks)
		api.POST("/scheduled-tasks", s.createTask)
		api.GET("/scheduled-tasks/:id", s.getTask)
		api.GET("/scheduled-tasks/:id/sessions", s.taskSessions)
		api.DELETE("/scheduled-tasks/:id", s.cancelTask)
		api.POST("/scheduled-tasks/:id/reset", s.resetTask)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.putSettings)
		api.POST("/settings/start-runner", s.startRunner)
		api.POST("/settings/validate-anthropic-key", s.validateAnthropicKey)
		api.POST("/settings/factory-reset", s.factoryReset)
		api.GET("/settings/runtime-readiness", s.runtimeReadiness)

		api.GET("/notifications", s.listNotifications)
		api.GET("/notifications/unread-count", s.unreadCount)
		api.POST("/notifications/mark-read", s.markNotificationsRead)
		api.GET("/notifications/stream", s.broadcast.Handler)

		api.GET("/browser/detect", s.detectBrowser)
		api.POST("/browser/launch-host-browser", s.launchHostBrowser)
		api.POST("/browser/stop-host-browser", s.stopHostBrowser)
	}

	return router
}
