// Package sse fans the event bus out to UI subscribers over Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events/bus"
)

// heartbeatInterval is how often a comment line is written to keep
// intermediaries from closing idle streams.
const heartbeatInterval = 15 * time.Second

// Broadcaster serves the SSE stream endpoint. Each connected client gets its
// own bus subscription; the bus's bounded per-subscriber queue drops slow
// consumers, which surfaces here as a closed channel.
type Broadcaster struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBroadcaster creates a new SSE broadcaster on top of the event bus.
func NewBroadcaster(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "sse")),
	}
}

// Handler streams events to one client until it disconnects or falls behind.
// Wire format: one `data: <json>` line per event, heartbeats as `: ping`.
func (b *Broadcaster) Handler(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.bus.Subscribe(c.ClientIP())
	defer sub.Unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	b.logger.Debug("sse client connected", zap.String("client", c.ClientIP()))

	for {
		select {
		case <-c.Request.Context().Done():
			b.logger.Debug("sse client disconnected", zap.String("client", c.ClientIP()))
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.C():
			if !ok {
				// Dropped by the bus for falling behind, or bus closed.
				b.logger.Warn("sse client dropped", zap.String("client", c.ClientIP()))
				return
			}
			line, err := json.Marshal(event)
			if err != nil {
				b.logger.Error("failed to serialize event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
