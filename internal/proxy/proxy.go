// Package proxy implements the credential proxy: an HTTP reverse proxy that
// swaps a synthetic per-agent token for a real upstream access token, scoped
// by a toolkit host allowlist. Real tokens never reach the container.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/store"
)

// TokenStore validates synthetic bearers.
type TokenStore interface {
	ValidateProxyToken(ctx context.Context, token string) (agentSlug string, err error)
}

// AccountStore resolves agent-scoped account mappings.
type AccountStore interface {
	GetMappedAccount(ctx context.Context, agentSlug, accountID string) (*store.ConnectedAccount, error)
}

// Proxy handles requests under /proxy/<agentSlug>/<accountId>/<host>/<path...>.
type Proxy struct {
	cfg       config.ProxyConfig
	allowlist Allowlist
	tokens    TokenStore
	accounts  AccountStore
	cache     *tokenCache
	audit     *auditWriter
	client    *http.Client
	logger    *logger.Logger
	scheme    string // https; tests override to reach local upstreams
}

// New creates the credential proxy.
func New(cfg config.ProxyConfig, tokens TokenStore, accounts AccountStore, auditStore AuditStore, fetcher TokenFetcher, log *logger.Logger) *Proxy {
	l := log.WithFields(zap.String("component", "credential_proxy"))
	return &Proxy{
		cfg:       cfg,
		allowlist: Allowlist(cfg.Allowlist),
		tokens:    tokens,
		accounts:  accounts,
		cache:     newTokenCache(fetcher),
		audit:     newAuditWriter(auditStore, l),
		client: &http.Client{
			// Per-request deadlines come from the toolkit timeout; no
			// client-level timeout so streamed bodies are not cut off early.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: l,
		scheme: "https",
	}
}

// Close flushes the audit queue.
func (p *Proxy) Close() {
	p.audit.close()
}

// EvictToken drops a cached upstream token, used when an account is removed.
func (p *Proxy) EvictToken(connectionID string) {
	p.cache.evict(connectionID)
}

// route is the parsed proxy path.
type route struct {
	agentSlug string
	accountID string
	host      string
	path      string
}

// parsePath splits /proxy/<agentSlug>/<accountId>/<host>/<path...>.
func parsePath(urlPath string) (*route, error) {
	trimmed := strings.TrimPrefix(urlPath, "/proxy/")
	if trimmed == urlPath {
		return nil, errors.New("not a proxy path")
	}
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, errors.New("proxy path must be /proxy/<agent>/<account>/<host>/<path>")
	}
	r := &route{agentSlug: parts[0], accountID: parts[1], host: parts[2], path: "/"}
	if len(parts) == 4 {
		r.path = "/" + parts[3]
	}
	return r, nil
}

// hop-by-hop and identity headers never forwarded upstream.
var skipRequestHeaders = map[string]bool{
	"host":              true,
	"authorization":     true,
	"connection":        true,
	"content-length":    true,
	"transfer-encoding": true,
}

// ServeHTTP runs the full pipeline: authenticate, authorize, resolve the real
// token, forward, and audit.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := parsePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// 1. Synthetic bearer -> bound agent.
	bearer := bearerToken(r)
	if bearer == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	boundSlug, err := p.tokens.ValidateProxyToken(ctx, bearer)
	if err != nil {
		http.Error(w, "token validation failed", http.StatusInternalServerError)
		return
	}
	if boundSlug == "" {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if boundSlug != route.agentSlug {
		p.auditError(route, "", r.Method, "token not bound to this agent")
		http.Error(w, "token not bound to this agent", http.StatusForbidden)
		return
	}

	// 2. Account must be mapped to the agent.
	account, err := p.accounts.GetMappedAccount(ctx, route.agentSlug, route.accountID)
	if err != nil {
		p.auditError(route, "", r.Method, "account not mapped")
		http.Error(w, "Account not found or not mapped to this agent", http.StatusNotFound)
		return
	}

	// 3. Toolkit host allowlist.
	if !p.allowlist.HostAllowed(account.ToolkitSlug, route.host) {
		p.auditError(route, account.ToolkitSlug, r.Method, fmt.Sprintf("host %s not allowed for toolkit %s", route.host, account.ToolkitSlug))
		http.Error(w, "target host not allowed", http.StatusForbidden)
		return
	}

	// 4. Real token from the cache (or the broker on miss).
	realToken, err := p.cache.get(ctx, account.ComposioConnectionID)
	if err != nil {
		p.logger.Error("token fetch failed",
			zap.String("agent_slug", route.agentSlug),
			zap.String("toolkit", account.ToolkitSlug),
			zap.Error(err))
		p.auditError(route, account.ToolkitSlug, r.Method, "token fetch failed: "+err.Error())
		http.Error(w, "failed to obtain upstream credentials", http.StatusBadGateway)
		return
	}

	// 5. Forward.
	upstreamURL := p.scheme + "://" + route.host + route.path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	timeout := p.cfg.TimeoutFor(account.ToolkitSlug)
	upstreamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(upstreamCtx, r.Method, upstreamURL, body)
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	for name, values := range r.Header {
		if skipRequestHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+realToken)

	resp, err := p.client.Do(req)
	if err != nil {
		msg := "upstream request failed"
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "upstream request timed out"
		}
		p.auditError(route, account.ToolkitSlug, r.Method, msg+": "+err.Error())
		http.Error(w, msg, status)
		return
	}
	defer resp.Body.Close()

	// 6. Response passthrough. Go re-chunks as needed; never forward the
	// upstream Transfer-Encoding.
	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	// 7. Audit off the response path.
	statusCode := resp.StatusCode
	p.audit.write(&store.AuditEntry{
		AgentSlug:  route.agentSlug,
		AccountID:  route.accountID,
		Toolkit:    account.ToolkitSlug,
		TargetHost: route.host,
		TargetPath: route.path,
		Method:     r.Method,
		StatusCode: &statusCode,
	})
}

func (p *Proxy) auditError(route *route, toolkit, method, message string) {
	p.audit.write(&store.AuditEntry{
		AgentSlug:    route.agentSlug,
		AccountID:    route.accountID,
		Toolkit:      toolkit,
		TargetHost:   route.host,
		TargetPath:   route.path,
		Method:       method,
		ErrorMessage: message,
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
