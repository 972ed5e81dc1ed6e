// Package browserstream splices a UI WebSocket client to the browser stream
// served inside an agent's container, preserving frame types.
package browserstream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/container"
)

// StatusSource reports container state for an agent.
type StatusSource interface {
	GetStatus(agentSlug string) container.Status
}

// Proxy upgrades UI connections and splices them to the container stream.
type Proxy struct {
	statuses StatusSource
	logger   *logger.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New creates the browser stream proxy.
func New(statuses StatusSource, log *logger.Logger) *Proxy {
	return &Proxy{
		statuses: statuses,
		logger:   log.WithFields(zap.String("component", "browser_stream")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The desktop shell serves the UI from its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Handle upgrades the request and splices it to the agent's container stream.
// The container must be running with a mapped port; otherwise the client is
// closed with 1011.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, agentSlug string) {
	status := p.statuses.GetStatus(agentSlug)

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("upgrade failed", zap.String("agent_slug", agentSlug), zap.Error(err))
		return
	}

	if status.Status != container.StatusRunning || status.Port == 0 {
		p.closeWith(client, "agent container is not running")
		return
	}

	upstreamURL := fmt.Sprintf("ws://127.0.0.1:%d/browser/stream", status.Port)
	upstream, _, err := p.dialer.Dial(upstreamURL, nil)
	if err != nil {
		p.logger.Warn("upstream dial failed",
			zap.String("agent_slug", agentSlug),
			zap.String("url", upstreamURL),
			zap.Error(err))
		p.closeWith(client, "Upstream connection error")
		return
	}

	p.logger.Debug("stream spliced", zap.String("agent_slug", agentSlug))
	splice(client, upstream)
}

// closeWith sends a 1011 close frame and closes the connection.
func (p *Proxy) closeWith(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason), deadline)
	_ = conn.Close()
}

// splice copies frames in both directions until either side closes. Text
// frames stay text, binary frames stay binary.
func splice(a, b *websocket.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		copyFrames(a, b)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		copyFrames(b, a)
	}()
	wg.Wait()
}

func copyFrames(dst, src *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
