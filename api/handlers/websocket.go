package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blueprints-rt/blueprints/internal/transport/socketio"
	"github.com/blueprints-rt/blueprints/internal/transport/stomp"
)

// RealtimeHandler mounts the realtime endpoints: the STOMP broker and the
// Socket.IO relay.
type RealtimeHandler struct {
	broker http.Handler
	relay  http.Handler
}

// NewRealtimeHandler creates a new RealtimeHandler.
func NewRealtimeHandler(broker, relay http.Handler) *RealtimeHandler {
	return &RealtimeHandler{
		broker: broker,
		relay:  relay,
	}
}

// Broker handles WS /ws-blueprints.
func (h *RealtimeHandler) Broker(c *gin.Context) {
	if !c.IsWebsocket() {
		sendError(c, http.StatusBadRequest, "Websocket upgrade required")
		return
	}
	h.broker.ServeHTTP(c.Writer, c.Request)
}

// Relay handles WS /socket.io/.
func (h *RealtimeHandler) Relay(c *gin.Context) {
	h.relay.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the realtime routes. They live at the server
// root, outside /api.
func (h *RealtimeHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET(stomp.EndpointPath, h.Broker)
	r.GET(socketio.EndpointPath, h.Relay)
}
