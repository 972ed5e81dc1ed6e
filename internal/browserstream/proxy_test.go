package browserstream

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/container"
)

type fakeStatuses map[string]container.Status

func (f fakeStatuses) GetStatus(agentSlug string) container.Status {
	if s, ok := f[agentSlug]; ok {
		return s
	}
	return container.Status{Status: container.StatusStopped}
}

// echoUpstream is a stand-in for the in-container stream endpoint: it echoes
// every frame back with its type preserved.
func echoUpstream(t *testing.T) (port int, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/browser/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port, srv.Close
}

func dialProxy(t *testing.T, statuses fakeStatuses, slug string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	p := New(statuses, logger.Default())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Handle(w, r, slug)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestSplicePreservesFrameTypes(t *testing.T) {
	port, cleanup := echoUpstream(t)
	defer cleanup()

	statuses := fakeStatuses{"a1": {Status: container.StatusRunning, Port: port}}
	client, _, err := dialProxy(t, statuses, "a1")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "hello", string(data))

	binary := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, binary))
	msgType, data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, binary, data)
}

func TestContainerNotRunningCloses1011(t *testing.T) {
	statuses := fakeStatuses{"a1": {Status: container.StatusStopped}}
	client, _, err := dialProxy(t, statuses, "a1")
	require.NoError(t, err, "upgrade succeeds before the close frame")
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestUpstreamDialFailureCloses1011(t *testing.T) {
	// Port with nothing listening.
	statuses := fakeStatuses{"a1": {Status: container.StatusRunning, Port: 1}}
	client, _, err := dialProxy(t, statuses, "a1")
	require.NoError(t, err)
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = client.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Equal(t, "Upstream connection error", closeErr.Text)
}
