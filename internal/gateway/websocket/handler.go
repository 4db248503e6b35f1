package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Transport auth is handled upstream; the gateway accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the gin handler serving GET /ws.
func Handler(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		client := NewClient(hub, conn, log)
		hub.Register(client)
		go client.Run()
	}
}
