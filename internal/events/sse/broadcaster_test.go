package sse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events/bus"
)

func TestStreamDeliversEventsAsDataLines(t *testing.T) {
	gin.SetMode(gin.TestMode)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()
	b := NewBroadcaster(eventBus, logger.Default())

	router := gin.New()
	router.GET("/stream", b.Handler)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscription time to attach before publishing.
	time.Sleep(100 * time.Millisecond)
	eventBus.Publish(bus.NewEvent("agent_status_changed", "test", map[string]string{"agentSlug": "a1"}))

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(3 * time.Second)
	lineCh := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lineCh <- line
				return
			}
		}
	}()

	select {
	case line := <-lineCh:
		payload := strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n")
		var event bus.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		assert.Equal(t, "agent_status_changed", event.Type)
		assert.Equal(t, "test", event.Source)
	case <-deadline:
		t.Fatal("no event arrived on the stream")
	}
}
