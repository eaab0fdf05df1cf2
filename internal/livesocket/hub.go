// Package livesocket implements the socket hub behind the /chat and
// /local-executor namespaces: room membership, fan-out, and the action
// handlers for chat turns and device-relayed execution.
package livesocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// Client is one socket connection bound to a namespace.
type Client struct {
	ID        string
	UserID    string
	UserName  string
	DeviceID  string
	Namespace string

	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	hub   *Hub
	rooms map[string]bool
	mu    sync.RWMutex

	logger *logger.Logger
}

// NewClient wires a connection into the hub. conn may be nil in tests that
// drive handlers directly; such clients still receive broadcasts on send.
func NewClient(id, userID, userName, deviceID, namespace string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		UserID:    userID,
		UserName:  userName,
		DeviceID:  deviceID,
		Namespace: namespace,
		conn:      conn,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		hub:       hub,
		rooms:     make(map[string]bool),
		logger:    log.WithFields(zap.String("client_id", id), zap.String("namespace", namespace)),
	}
}

// Rooms returns the rooms the client currently occupies.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// ReadPump reads frames, dispatches them through the namespace's action
// table, and writes responses back on the send channel.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("socket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("unparseable frame", zap.Error(err))
			continue
		}

		ctx := WithClient(context.Background(), c)
		resp, err := c.hub.dispatcher(c.Namespace).Dispatch(ctx, &msg)
		if err != nil {
			c.logger.Error("action failed",
				zap.String("action", msg.Action),
				zap.Error(err))
			resp, _ = ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		if resp != nil {
			c.write(resp)
		}
	}
}

// WritePump flushes the send channel to the connection and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal frame failed", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame", zap.String("action", msg.Action))
	}
}

// Hub tracks connected clients and their room membership across namespaces.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]bool
	rooms       map[string]map[*Client]bool // keyed namespace + "|" + room
	dispatchers map[string]*ws.Dispatcher
	onDropped   map[string][]func(*Client)

	logger *logger.Logger
}

// NewHub creates an empty hub with a dispatcher per namespace.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		dispatchers: map[string]*ws.Dispatcher{
			ws.NamespaceChat:          ws.NewDispatcher(),
			ws.NamespaceLocalExecutor: ws.NewDispatcher(),
		},
		onDropped: make(map[string][]func(*Client)),
		logger:    log.WithFields(zap.String("component", "socket_hub")),
	}
}

// Dispatcher returns the action table for a namespace.
func (h *Hub) Dispatcher(namespace string) *ws.Dispatcher {
	return h.dispatcher(namespace)
}

func (h *Hub) dispatcher(namespace string) *ws.Dispatcher {
	d, ok := h.dispatchers[namespace]
	if !ok {
		d = ws.NewDispatcher()
		h.dispatchers[namespace] = d
	}
	return d
}

// OnDisconnect registers a hook invoked after a client in the namespace is
// removed from the hub.
func (h *Hub) OnDisconnect(namespace string, fn func(*Client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDropped[namespace] = append(h.onDropped[namespace], fn)
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("client registered",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID))
}

// Unregister removes a client from the hub and every room it joined, then
// runs the namespace's disconnect hooks.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	// send stays open: a broadcast may hold a reference to this client and
	// be about to push a frame. Closing done instead lets senders bail out
	// and tells the write pump to close the connection.
	close(c.done)
	c.mu.RLock()
	for room := range c.rooms {
		h.dropFromRoom(c, room)
	}
	c.mu.RUnlock()
	hooks := h.onDropped[c.Namespace]
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}

// JoinRoom adds the client to a room in its namespace.
func (h *Hub) JoinRoom(c *Client, room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()

	key := roomKey(c.Namespace, room)
	h.mu.Lock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Client]bool)
	}
	h.rooms[key][c] = true
	h.mu.Unlock()
}

// LeaveRoom removes the client from a room.
func (h *Hub) LeaveRoom(c *Client, room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	h.mu.Lock()
	h.dropFromRoom(c, room)
	h.mu.Unlock()
}

// dropFromRoom must be called with h.mu held.
func (h *Hub) dropFromRoom(c *Client, room string) {
	key := roomKey(c.Namespace, room)
	if members, ok := h.rooms[key]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
}

// BroadcastToRoom pushes a notification to every client in the room. This is
// the fan-out primitive the emitters are built on.
func (h *Hub) BroadcastToRoom(namespace, room, action string, payload any) {
	h.broadcast(namespace, room, action, payload, nil)
}

// BroadcastToRoomExcept pushes a notification to the room, skipping one
// client (echo suppression for the sender's own messages).
func (h *Hub) BroadcastToRoomExcept(namespace, room, action string, payload any, except *Client) {
	h.broadcast(namespace, room, action, payload, except)
}

func (h *Hub) broadcast(namespace, room, action string, payload any, except *Client) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		h.logger.Error("marshal notification failed",
			zap.String("action", action), zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal frame failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	members := h.rooms[roomKey(namespace, room)]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case <-c.done:
		case c.send <- data:
		default:
			h.logger.Warn("slow client, frame dropped",
				zap.String("client_id", c.ID),
				zap.String("action", action))
		}
	}
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(namespace, room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(namespace, room)])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func roomKey(namespace, room string) string {
	return namespace + "|" + room
}

type clientCtxKey struct{}

// WithClient binds the originating client to a handler context.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientCtxKey{}, c)
}

// ClientFrom extracts the originating client from a handler context.
func ClientFrom(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientCtxKey{}).(*Client)
	return c, ok
}

// UserRoom is the per-user notification room.
func UserRoom(userID string) string { return "user:" + userID }

// TaskRoom is the per-conversation room.
func TaskRoom(taskID string) string { return "task:" + taskID }

// DeviceRoom is the room a registered device listens on for task:execute.
func DeviceRoom(userID, deviceID string) string {
	return "device:" + userID + ":" + deviceID
}
