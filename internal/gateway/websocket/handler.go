package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	ws "github.com/kandev/orchestrator/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections to WebSocket and hands them to the Hub.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

// NewHandler creates a Handler backed by hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, log: log.WithFields(zap.String("component", "ws_handler"))}
}

// HandleConnection upgrades the request and runs the client's read/write
// pumps until it disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.log.Debug("websocket connection established", zap.String("client_id", clientID))

	client := NewClient(clientID, conn, h.hub, h.log)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// SetupRoutes mounts the WebSocket upgrade endpoint on router.
func SetupRoutes(router gin.IRoutes, handler *Handler) {
	router.GET("/ws", handler.HandleConnection)
}

// RegisterHealthHandler registers the health-check action on dispatcher.
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "orchestrator",
		})
	})
}
