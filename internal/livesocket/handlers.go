package livesocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/auth"
	"github.com/weibocom/agentflow/internal/common/logger"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// origin enforcement happens at the gateway
		return true
	},
}

// WSHandler upgrades HTTP requests into hub clients for both namespaces.
type WSHandler struct {
	hub    *Hub
	auth   *auth.Manager
	logger *logger.Logger
}

// NewWSHandler creates the upgrade handler.
func NewWSHandler(hub *Hub, am *auth.Manager, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		auth:   am,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Chat handles GET /ws/chat. Authenticated users land in their own user room.
func (h *WSHandler) Chat(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), claims.UserID, claims.UserName, "",
		ws.NamespaceChat, conn, h.hub, h.logger)
	h.hub.Register(client)
	h.hub.JoinRoom(client, UserRoom(claims.UserID))

	h.logger.Info("chat socket connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", claims.UserID))

	go client.WritePump()
	go client.ReadPump()
}

// LocalExecutor handles GET /ws/local-executor. Devices must send a
// device_id; they land in their device room and receive task:execute there.
func (h *WSHandler) LocalExecutor(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    ws.ErrorCodeBadRequest,
			"message": "device_id is required",
		}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), claims.UserID, claims.UserName, deviceID,
		ws.NamespaceLocalExecutor, conn, h.hub, h.logger)
	h.hub.Register(client)
	h.hub.JoinRoom(client, DeviceRoom(claims.UserID, deviceID))

	h.logger.Info("device socket connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", claims.UserID),
		zap.String("device_id", deviceID))

	go client.WritePump()
	go client.ReadPump()
}

func (h *WSHandler) authenticate(c *gin.Context) (*auth.UserClaims, bool) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := h.auth.VerifyUserToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
			"code":    ws.ErrorCodeUnauthorized,
			"message": "invalid or missing token",
		}})
		return nil, false
	}
	return claims, true
}

// SetupRoutes registers the socket endpoints.
func SetupRoutes(r *gin.RouterGroup, handler *WSHandler) {
	r.GET("/chat", handler.Chat)
	r.GET("/local-executor", handler.LocalExecutor)
}
