package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/collab"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 4 << 20
)

// Origins are already filtered by the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades the request into a collaboration session. Each session
// owns its connection: one goroutine reads frames into the hub, one drains the
// session's outbound queue onto the socket.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	sessionID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("failed to issue session id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	principal := principalFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := collab.NewSession(sessionID, principal, h.sendBuffer)
	h.hub.Connect(session)
	h.logger.Debug("session connected",
		zap.String("session_id", sessionID),
		zap.String("user_id", principal.UserID))

	go h.writePump(conn, session)
	h.readPump(context.WithoutCancel(c.Request.Context()), conn, session)
}

func (h *httpHandler) readPump(ctx context.Context, conn *websocket.Conn, session *collab.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.hub.Disconnect(session)
		_ = conn.Close()
		h.logger.Debug("session disconnected", zap.String("session_id", session.ID()))
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket closed unexpectedly",
					zap.String("session_id", session.ID()),
					zap.Error(err))
			}
			return
		}
		h.hub.HandleFrame(ctx, session, frame)
	}
}

func (h *httpHandler) writePump(conn *websocket.Conn, session *collab.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Info("websocket write failed",
					zap.String("session_id", session.ID()),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
