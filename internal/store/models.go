package store

import "time"

// ConnectedAccount is a record of an authorized upstream identity. The account
// exists independent of any agent; mappings bind it to agents.
type ConnectedAccount struct {
	ID                   string    `db:"id" json:"id"`
	ToolkitSlug          string    `db:"toolkit_slug" json:"toolkitSlug"`
	ComposioConnectionID string    `db:"composio_connection_id" json:"composioConnectionId"`
	DisplayName          string    `db:"display_name" json:"displayName"`
	CreatedAt            time.Time `db:"created_at" json:"createdAt"`
}

// AgentAccountMapping binds an account to an agent for proxy access.
type AgentAccountMapping struct {
	AgentSlug string    `db:"agent_slug" json:"agentSlug"`
	AccountID string    `db:"account_id" json:"accountId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// ProxyToken is a synthetic bearer minted per agent. Validation resolves the
// bound slug in O(1) via the unique token index.
type ProxyToken struct {
	Token     string     `db:"token" json:"-"`
	AgentSlug string     `db:"agent_slug" json:"agentSlug"`
	ExpiresAt *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// AuditEntry records one request through the credential proxy. Append-only.
type AuditEntry struct {
	ID           string    `db:"id" json:"id"`
	AgentSlug    string    `db:"agent_slug" json:"agentSlug"`
	AccountID    string    `db:"account_id" json:"accountId"`
	Toolkit      string    `db:"toolkit" json:"toolkit"`
	TargetHost   string    `db:"target_host" json:"targetHost"`
	TargetPath   string    `db:"target_path" json:"targetPath"`
	Method       string    `db:"method" json:"method"`
	StatusCode   *int      `db:"status_code" json:"statusCode,omitempty"`
	ErrorMessage string    `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Scheduled task statuses. Only pending tasks are eligible to fire.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusDone      = "done"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// ScheduledTask is a persisted intent to run a prompt on an agent at a future
// time, possibly recurring.
type ScheduledTask struct {
	ID              string    `db:"id" json:"id"`
	AgentSlug       string    `db:"agent_slug" json:"agentSlug"`
	Name            string    `db:"name" json:"name,omitempty"`
	Prompt          string    `db:"prompt" json:"prompt"`
	NextExecutionAt time.Time `db:"next_execution_at" json:"nextExecutionAt"`
	Recurrence      string    `db:"recurrence" json:"recurrence,omitempty"`
	Status          string    `db:"status" json:"status"`
	LastError       string    `db:"last_error" json:"lastError,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// IsTerminal reports whether the task reached a terminal status.
func (t *ScheduledTask) IsTerminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled
}

// Remote MCP server auth types and statuses.
const (
	MCPAuthNone   = "none"
	MCPAuthOAuth  = "oauth"
	MCPAuthBearer = "bearer"

	MCPStatusActive       = "active"
	MCPStatusError        = "error"
	MCPStatusAuthRequired = "auth_required"
)

// RemoteMCPServer is a registered remote MCP endpoint.
type RemoteMCPServer struct {
	ID                string     `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	URL               string     `db:"url" json:"url"`
	AuthType          string     `db:"auth_type" json:"authType"`
	AccessToken       string     `db:"access_token" json:"-"`
	RefreshToken      string     `db:"refresh_token" json:"-"`
	OAuthClientSecret string     `db:"oauth_client_secret" json:"-"`
	ToolsJSON         string     `db:"tools_json" json:"toolsJson,omitempty"`
	Status            string     `db:"status" json:"status"`
	ErrorMessage      string     `db:"error_message" json:"errorMessage,omitempty"`
	ToolsDiscoveredAt *time.Time `db:"tools_discovered_at" json:"toolsDiscoveredAt,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// Notification is a user-facing notification record.
type Notification struct {
	ID        string     `db:"id" json:"id"`
	Title     string     `db:"title" json:"title"`
	Body      string     `db:"body" json:"body"`
	SessionID string     `db:"session_id" json:"sessionId,omitempty"`
	AgentSlug string     `db:"agent_slug" json:"agentSlug,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	ReadAt    *time.Time `db:"read_at" json:"readAt,omitempty"`
}
