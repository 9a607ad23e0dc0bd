package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/permissions"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "codecollab_user_id"
	displayNameContextKey = "codecollab_display_name"
)

var (
	errMissingCoordinator   = errors.New("coordinator dependency required")
	errMissingTokenVerifier = errors.New("token verifier dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Coordinator is the application surface behind the HTTP and websocket routes.
type Coordinator interface {
	CreateRoom(ctx context.Context, name, ownerID string) (rooms.Room, error)
	JoinRoom(ctx context.Context, roomID, userID string) (rooms.RoomParticipant, error)
	DeleteRoom(ctx context.Context, roomID, requesterID string) error
	Kick(ctx context.Context, roomID, requesterID, targetID string) error
	CreateSession(ctx context.Context, roomID, name, creatorID string) (rooms.CodeSession, error)
	ListSessions(ctx context.Context, roomID, userID string) ([]rooms.CodeSession, error)
	SetSessionStatus(ctx context.Context, sessionID, requesterID string, status rooms.SessionStatus) error
	GrantWrite(ctx context.Context, sessionID, requesterID, targetID string) (permissions.PermissionChange, error)
	RevokeWrite(ctx context.Context, sessionID, requesterID, targetID string) (permissions.PermissionChange, error)
	RoomState(ctx context.Context, roomID string) (broadcast.RoomStateSnapshot, error)
	LiveMembers(roomID string) []string
	Subscribe(ctx context.Context, sub lifecycle.Subscription) (lifecycle.Presence, error)
	Disconnect(ctx context.Context, p lifecycle.Presence)
	SendCodeUpdate(ctx context.Context, p lifecycle.Presence, content string) error
}

// TokenVerifier validates access tokens.
type TokenVerifier interface {
	Validate(token string) (auth.Identity, error)
}

// ProfileRecorder remembers the display name presented by each caller.
type ProfileRecorder interface {
	Remember(ctx context.Context, userID, displayName string) error
}

// EventSource hands out topic subscriptions for websocket connections.
type EventSource interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan broadcast.Event, func())
}

type Dependencies struct {
	Coordinator    Coordinator
	Tokens         TokenVerifier
	Profiles       ProfileRecorder
	Realtime       EventSource
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenVerifier
	}
	if deps.Realtime == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins...))

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		tokens:      deps.Tokens,
		profiles:    deps.Profiles,
		realtime:    deps.Realtime,
		upgrader:    newUpgrader(origins),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.GET("/rooms/:roomId", handler.handleRoomState)
	protected.DELETE("/rooms/:roomId", handler.handleDeleteRoom)
	protected.POST("/rooms/:roomId/participants", handler.handleJoinRoom)
	protected.DELETE("/rooms/:roomId/participants/:userId", handler.handleKick)
	protected.POST("/rooms/:roomId/sessions", handler.handleCreateSession)
	protected.GET("/rooms/:roomId/sessions", handler.handleListSessions)
	protected.PATCH("/sessions/:sessionId/status", handler.handleSetSessionStatus)
	protected.POST("/sessions/:sessionId/permissions/:userId", handler.handleGrantWrite)
	protected.DELETE("/sessions/:sessionId/permissions/:userId", handler.handleRevokeWrite)

	realtime := router.Group("/ws")
	realtime.Use(handler.authorizeSocket)
	realtime.GET("/rooms/:roomId", handler.handleRoomSocket)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	coordinator Coordinator
	tokens      TokenVerifier
	profiles    ProfileRecorder
	realtime    EventSource
	upgrader    *websocket.Upgrader
	logger      *zap.Logger
}

type nameRequestPayload struct {
	Name string `json:"name"`
}

type statusRequestPayload struct {
	Status string `json:"status"`
}

type roomResponsePayload struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name"`
	OwnerID  string `json:"owner_id"`
}

type roomStateResponsePayload struct {
	broadcast.RoomStateSnapshot
	LiveMembers []string `json:"live_members"`
}

type participantResponsePayload struct {
	RoomID     string `json:"room_id"`
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

type sessionResponsePayload struct {
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
	Status      string `json:"status,omitempty"`
	CreatorID   string `json:"creator_id,omitempty"`
}

type sessionListResponsePayload struct {
	Sessions []sessionResponsePayload `json:"sessions"`
}

type permissionResponsePayload struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request nameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	room, err := h.coordinator.CreateRoom(c.Request.Context(), request.Name, c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, roomResponsePayload{
		RoomID:   room.RoomID,
		RoomName: room.Name,
		OwnerID:  room.OwnerUserID,
	})
}

func (h *httpHandler) handleRoomState(c *gin.Context) {
	roomID := c.Param("roomId")
	snapshot, err := h.coordinator.RoomState(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	live := h.coordinator.LiveMembers(roomID)
	if live == nil {
		live = []string{}
	}
	c.JSON(http.StatusOK, roomStateResponsePayload{RoomStateSnapshot: snapshot, LiveMembers: live})
}

func (h *httpHandler) handleDeleteRoom(c *gin.Context) {
	if err := h.coordinator.DeleteRoom(c.Request.Context(), c.Param("roomId"), c.GetString(userIDContextKey)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	participant, err := h.coordinator.JoinRoom(c.Request.Context(), c.Param("roomId"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, participantResponsePayload{
		RoomID:     participant.RoomID,
		UserID:     participant.UserID,
		Permission: string(participant.Permission),
	})
}

func (h *httpHandler) handleKick(c *gin.Context) {
	err := h.coordinator.Kick(c.Request.Context(), c.Param("roomId"), c.GetString(userIDContextKey), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request nameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, err := h.coordinator.CreateSession(c.Request.Context(), c.Param("roomId"), request.Name, c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponsePayload{
		SessionID:   session.SessionID,
		SessionName: session.Name,
		Status:      string(session.Status),
		CreatorID:   session.CreatorUserID,
	})
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	sessions, err := h.coordinator.ListSessions(c.Request.Context(), c.Param("roomId"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := sessionListResponsePayload{Sessions: make([]sessionResponsePayload, 0, len(sessions))}
	for _, session := range sessions {
		response.Sessions = append(response.Sessions, sessionResponsePayload{
			SessionID:   session.SessionID,
			SessionName: session.Name,
			Status:      string(session.Status),
			CreatorID:   session.CreatorUserID,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSetSessionStatus(c *gin.Context) {
	var request statusRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := rooms.ParseSessionStatus(request.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.coordinator.SetSessionStatus(c.Request.Context(), c.Param("sessionId"), c.GetString(userIDContextKey), status); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGrantWrite(c *gin.Context) {
	change, err := h.coordinator.GrantWrite(c.Request.Context(), c.Param("sessionId"), c.GetString(userIDContextKey), c.Param("userId"))
	h.writePermissionChange(c, change, err)
}

func (h *httpHandler) handleRevokeWrite(c *gin.Context) {
	change, err := h.coordinator.RevokeWrite(c.Request.Context(), c.Param("sessionId"), c.GetString(userIDContextKey), c.Param("userId"))
	h.writePermissionChange(c, change, err)
}

func (h *httpHandler) writePermissionChange(c *gin.Context, change permissions.PermissionChange, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, permissionResponsePayload{
		SessionID:  change.SessionID,
		UserID:     change.TargetUserID,
		Permission: string(change.Permission),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, false)
}

func (h *httpHandler) authorizeSocket(c *gin.Context) {
	h.authorize(c, true)
}

func (h *httpHandler) authorize(c *gin.Context, allowQuery bool) {
	token, err := auth.TokenFromRequest(c.Request, allowQuery)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.profiles != nil {
		if err := h.profiles.Remember(c.Request.Context(), identity.UserID, identity.DisplayName); err != nil {
			h.logger.Warn("failed to record user profile", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Set(displayNameContextKey, identity.DisplayName)
	c.Next()
}
