package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/lifecycle"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

type outboundFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func newUpgrader(origins []string) *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

// handleRoomSocket streams room events to one connection and accepts code
// updates from it. The hub subscription is opened before presence is
// registered so the connection observes its own arrival.
func (h *httpHandler) handleRoomSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := strings.TrimSpace(c.Param("roomId"))
	sessionID := strings.TrimSpace(c.Query("session_id"))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	topics := []string{broadcast.RoomSystemTopic(roomID), broadcast.RoomPermissionTopic(roomID)}
	if sessionID != "" {
		topics = append(topics, broadcast.SessionCodeTopic(roomID, sessionID))
	}
	events, unsubscribe := h.realtime.Subscribe(ctx, topics...)
	defer unsubscribe()

	presence, err := h.coordinator.Subscribe(ctx, lifecycle.Subscription{
		RoomID:    roomID,
		SessionID: sessionID,
		UserID:    userID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer h.coordinator.Disconnect(ctx, presence)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(
		zap.String("room_id", roomID),
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	logger.Debug("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, conn, events, logger)
	}()

	h.readPump(ctx, conn, presence, logger)
	cancel()
	<-writerDone
	logger.Debug("websocket disconnected")
}

func (h *httpHandler) readPump(ctx context.Context, conn *websocket.Conn, presence lifecycle.Presence, logger *zap.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Debug("discarding malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case broadcast.EventCodeUpdate:
			// Rejected updates are dropped without notifying the sender.
			if err := h.coordinator.SendCodeUpdate(ctx, presence, frame.Content); err != nil {
				logger.Debug("code update not delivered", zap.Error(err))
			}
		default:
			logger.Debug("discarding unknown frame", zap.String("type", frame.Type))
		}
	}
}

func (h *httpHandler) writePump(ctx context.Context, conn *websocket.Conn, events <-chan broadcast.Event, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(outboundFrame{Type: event.Type, Payload: event.Payload}); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			if event.Type == broadcast.EventRoomClosed {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"))
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
