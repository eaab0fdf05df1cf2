package livesocket

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/auth"
	"github.com/weibocom/agentflow/internal/common/logger"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// frame is a decoded outbound message with its payload as a loose map.
type frame struct {
	Action  string
	Payload map[string]any
}

// drainFrames reads everything currently buffered on the client's send
// channel.
func drainFrames(t *testing.T, c *Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var msg ws.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			var payload map[string]any
			if msg.Payload != nil {
				require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			}
			out = append(out, frame{Action: msg.Action, Payload: payload})
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func findFrame(frames []frame, action string) (frame, bool) {
	for _, f := range frames {
		if f.Action == action {
			return f, true
		}
	}
	return frame{}, false
}

func newHubClient(hub *Hub, id, userID, deviceID, namespace string) *Client {
	c := NewClient(id, userID, "user-"+userID, deviceID, namespace, nil, hub, logger.Default())
	hub.Register(c)
	return c
}

func TestRoomBroadcast(t *testing.T) {
	hub := NewHub(logger.Default())
	a := newHubClient(hub, "a", "1", "", ws.NamespaceChat)
	b := newHubClient(hub, "b", "2", "", ws.NamespaceChat)
	outsider := newHubClient(hub, "c", "3", "", ws.NamespaceChat)

	hub.JoinRoom(a, TaskRoom("t1"))
	hub.JoinRoom(b, TaskRoom("t1"))

	hub.BroadcastToRoom(ws.NamespaceChat, TaskRoom("t1"), ws.ActionChatChunk, map[string]any{"content": "hi"})

	for _, c := range []*Client{a, b} {
		frames := drainFrames(t, c)
		f, ok := findFrame(frames, ws.ActionChatChunk)
		require.True(t, ok)
		assert.Equal(t, "hi", f.Payload["content"])
	}
	assert.Empty(t, drainFrames(t, outsider))
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	hub := NewHub(logger.Default())
	sender := newHubClient(hub, "a", "1", "", ws.NamespaceChat)
	other := newHubClient(hub, "b", "2", "", ws.NamespaceChat)
	hub.JoinRoom(sender, TaskRoom("t1"))
	hub.JoinRoom(other, TaskRoom("t1"))

	hub.BroadcastToRoomExcept(ws.NamespaceChat, TaskRoom("t1"), ws.ActionChatMessage,
		map[string]any{"prompt": "hello"}, sender)

	assert.Empty(t, drainFrames(t, sender))
	frames := drainFrames(t, other)
	_, ok := findFrame(frames, ws.ActionChatMessage)
	assert.True(t, ok)
}

func TestNamespacesAreIsolated(t *testing.T) {
	hub := NewHub(logger.Default())
	chat := newHubClient(hub, "a", "1", "", ws.NamespaceChat)
	device := newHubClient(hub, "b", "1", "d1", ws.NamespaceLocalExecutor)
	hub.JoinRoom(chat, "shared")
	hub.JoinRoom(device, "shared")

	hub.BroadcastToRoom(ws.NamespaceLocalExecutor, "shared", ws.ActionTaskExecute, map[string]any{})

	assert.Empty(t, drainFrames(t, chat))
	frames := drainFrames(t, device)
	_, ok := findFrame(frames, ws.ActionTaskExecute)
	assert.True(t, ok)
}

func TestUnregisterRunsDisconnectHooks(t *testing.T) {
	hub := NewHub(logger.Default())
	var dropped []string
	hub.OnDisconnect(ws.NamespaceLocalExecutor, func(c *Client) {
		dropped = append(dropped, c.DeviceID)
	})

	device := newHubClient(hub, "a", "1", "d1", ws.NamespaceLocalExecutor)
	hub.JoinRoom(device, DeviceRoom("1", "d1"))
	require.Equal(t, 1, hub.RoomSize(ws.NamespaceLocalExecutor, DeviceRoom("1", "d1")))

	hub.Unregister(device)

	assert.Equal(t, []string{"d1"}, dropped)
	assert.Zero(t, hub.RoomSize(ws.NamespaceLocalExecutor, DeviceRoom("1", "d1")))
	assert.Zero(t, hub.ClientCount())

	// double unregister is harmless
	hub.Unregister(device)
	assert.Equal(t, []string{"d1"}, dropped)
}

func TestBroadcastDuringUnregister(t *testing.T) {
	hub := NewHub(logger.Default())
	for i := 0; i < 100; i++ {
		c := newHubClient(hub, fmt.Sprintf("c%d", i), "1", "", ws.NamespaceChat)
		hub.JoinRoom(c, TaskRoom("t1"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.BroadcastToRoom(ws.NamespaceChat, TaskRoom("t1"), ws.ActionChatChunk, map[string]any{"content": "x"})
			}
		}()
		go func() {
			defer wg.Done()
			hub.Unregister(c)
		}()
		wg.Wait()
	}
	assert.Zero(t, hub.ClientCount())
}

func TestChatEndpointAuthentication(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(logger.Default())
	am := auth.NewManager("secret", time.Hour, time.Hour)
	handler := NewWSHandler(hub, am, logger.Default())

	r := gin.New()
	SetupRoutes(r.Group("/ws"), handler)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/chat?token=garbage", nil)
	assert.Error(t, err)

	token, err := am.MintUserToken(auth.UserClaims{UserID: "7", UserName: "alice"})
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/chat?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return hub.RoomSize(ws.NamespaceChat, UserRoom("7")) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocalExecutorRequiresDeviceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(logger.Default())
	am := auth.NewManager("secret", time.Hour, time.Hour)
	handler := NewWSHandler(hub, am, logger.Default())

	r := gin.New()
	SetupRoutes(r.Group("/ws"), handler)
	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	token, err := am.MintUserToken(auth.UserClaims{UserID: "7"})
	require.NoError(t, err)

	_, _, err = websocket.DefaultDialer.Dial(wsURL+"/ws/local-executor?token="+token, nil)
	assert.Error(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/local-executor?token="+token+"&device_id=mac-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return hub.RoomSize(ws.NamespaceLocalExecutor, DeviceRoom("7", "mac-1")) == 1
	}, 2*time.Second, 20*time.Millisecond)
}
