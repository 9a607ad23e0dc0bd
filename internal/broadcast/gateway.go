package broadcast

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/permissions"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	opGatewayNew          = "broadcast.gateway.new"
	opCodeUpdate          = "broadcast.code_update"
	opPermissionChange    = "broadcast.permission_change"
	reasonMissingStore    = "missing_store"
	reasonMissingHub      = "missing_hub"
	reasonMissingAuth     = "missing_authority"
	reasonSessionMismatch = "session_not_in_room"
	reasonNotCreator      = "not_creator"
)

var (
	errMissingStore     = errors.New("room store is required")
	errMissingHub       = errors.New("hub is required")
	errMissingAuthority = errors.New("permission authority is required")
)

// UserRef identifies a user in outbound payloads.
type UserRef struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// RoomStateSnapshot is the full membership view of a room.
type RoomStateSnapshot struct {
	RoomID       string    `json:"room_id"`
	RoomName     string    `json:"room_name"`
	Owner        UserRef   `json:"owner"`
	Participants []UserRef `json:"participants"`
}

// CodeUpdate is a last-write-wins content message for a session.
type CodeUpdate struct {
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
}

// PermissionChangeEvent announces an applied grant or revoke.
type PermissionChangeEvent struct {
	RoomID         string           `json:"room_id"`
	SessionID      string           `json:"session_id"`
	SenderID       string           `json:"sender_id"`
	SenderName     string           `json:"sender_name"`
	TargetUserID   string           `json:"target_user_id"`
	TargetUserName string           `json:"target_user_name"`
	Permission     rooms.Permission `json:"permission"`
}

// RoomClosed announces that a room was deleted.
type RoomClosed struct {
	RoomID string `json:"room_id"`
}

// Store is the subset of the durable room store read by the gateway.
type Store interface {
	FindRoom(ctx context.Context, roomID string) (rooms.Room, error)
	FindSession(ctx context.Context, sessionID string) (rooms.CodeSession, error)
	ListRoomParticipants(ctx context.Context, roomID string) ([]rooms.RoomParticipant, error)
}

// Authority answers the permission questions the gateway must ask before
// forwarding events.
type Authority interface {
	CanWriteInSession(ctx context.Context, sessionID, userID string) (bool, error)
	CanGrantOrRevoke(ctx context.Context, sessionID, requesterID string) (bool, error)
}

// Names resolves display names; unknown users resolve to their id.
type Names interface {
	DisplayNames(ctx context.Context, userIDs []string) map[string]string
}

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Store     Store
	Authority Authority
	Hub       *Hub
	Names     Names
	Logger    *zap.Logger
}

// Gateway turns store state and permission-checked events into hub messages.
type Gateway struct {
	store     Store
	authority Authority
	hub       *Hub
	names     Names
	logger    *zap.Logger
}

// NewGateway validates the configuration and constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, rooms.NewError(opGatewayNew, reasonMissingStore, rooms.ErrInvalidArgument, errMissingStore)
	}
	if cfg.Hub == nil {
		return nil, rooms.NewError(opGatewayNew, reasonMissingHub, rooms.ErrInvalidArgument, errMissingHub)
	}
	if cfg.Authority == nil {
		return nil, rooms.NewError(opGatewayNew, reasonMissingAuth, rooms.ErrInvalidArgument, errMissingAuthority)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:     cfg.Store,
		authority: cfg.Authority,
		hub:       cfg.Hub,
		names:     cfg.Names,
		logger:    logger,
	}, nil
}

// RoomState recomputes the membership snapshot of roomID from the store.
func (g *Gateway) RoomState(ctx context.Context, roomID string) (RoomStateSnapshot, error) {
	room, err := g.store.FindRoom(ctx, roomID)
	if err != nil {
		return RoomStateSnapshot{}, err
	}
	participants, err := g.store.ListRoomParticipants(ctx, roomID)
	if err != nil {
		return RoomStateSnapshot{}, err
	}

	userIDs := make([]string, 0, len(participants)+1)
	userIDs = append(userIDs, room.OwnerUserID)
	for _, participant := range participants {
		if participant.UserID != room.OwnerUserID {
			userIDs = append(userIDs, participant.UserID)
		}
	}
	names := g.displayNames(ctx, userIDs)

	snapshot := RoomStateSnapshot{
		RoomID:       room.RoomID,
		RoomName:     room.Name,
		Owner:        UserRef{UserID: room.OwnerUserID, UserName: names[room.OwnerUserID]},
		Participants: make([]UserRef, 0, len(userIDs)-1),
	}
	for _, userID := range userIDs[1:] {
		snapshot.Participants = append(snapshot.Participants, UserRef{UserID: userID, UserName: names[userID]})
	}
	return snapshot, nil
}

// BroadcastRoomState publishes a fresh snapshot to the room's system topic.
func (g *Gateway) BroadcastRoomState(ctx context.Context, roomID string) (RoomStateSnapshot, error) {
	snapshot, err := g.RoomState(ctx, roomID)
	if err != nil {
		return RoomStateSnapshot{}, err
	}
	g.hub.Publish(Event{
		Topic:   RoomSystemTopic(roomID),
		Type:    EventRoomState,
		Payload: snapshot,
	})
	return snapshot, nil
}

// BroadcastCodeUpdate forwards update to the session's subscribers when the
// sender currently holds write access. A sender without write access is
// dropped silently and reported through delivered=false.
func (g *Gateway) BroadcastCodeUpdate(ctx context.Context, update CodeUpdate) (bool, error) {
	session, err := g.store.FindSession(ctx, update.SessionID)
	if err != nil {
		return false, err
	}
	if session.RoomID != update.RoomID {
		return false, rooms.NewError(opCodeUpdate, reasonSessionMismatch, rooms.ErrNotFound, nil)
	}
	allowed, err := g.authority.CanWriteInSession(ctx, update.SessionID, update.SenderID)
	if err != nil {
		return false, err
	}
	if !allowed {
		g.logger.Debug("dropped code update from reader",
			zap.String("room_id", update.RoomID),
			zap.String("session_id", update.SessionID),
			zap.String("user_id", update.SenderID))
		return false, nil
	}
	if update.SenderName == "" {
		update.SenderName = g.displayNames(ctx, []string{update.SenderID})[update.SenderID]
	}
	g.hub.Publish(Event{
		Topic:   SessionCodeTopic(update.RoomID, update.SessionID),
		Type:    EventCodeUpdate,
		Payload: update,
	})
	return true, nil
}

// BroadcastPermissionChange publishes change once the requester is confirmed
// as the session's creator.
func (g *Gateway) BroadcastPermissionChange(ctx context.Context, change permissions.PermissionChange) (PermissionChangeEvent, error) {
	allowed, err := g.authority.CanGrantOrRevoke(ctx, change.SessionID, change.RequesterID)
	if err != nil {
		return PermissionChangeEvent{}, err
	}
	if !allowed {
		return PermissionChangeEvent{}, rooms.NewError(opPermissionChange, reasonNotCreator, rooms.ErrForbidden, nil)
	}
	names := g.displayNames(ctx, []string{change.RequesterID, change.TargetUserID})
	event := PermissionChangeEvent{
		RoomID:         change.RoomID,
		SessionID:      change.SessionID,
		SenderID:       change.RequesterID,
		SenderName:     names[change.RequesterID],
		TargetUserID:   change.TargetUserID,
		TargetUserName: names[change.TargetUserID],
		Permission:     change.Permission,
	}
	g.hub.Publish(Event{
		Topic:   RoomPermissionTopic(change.RoomID),
		Type:    EventPermissionChange,
		Payload: event,
	})
	return event, nil
}

// BroadcastRoomClosed tells the room's subscribers that the room is gone.
func (g *Gateway) BroadcastRoomClosed(roomID string) {
	g.hub.Publish(Event{
		Topic:   RoomSystemTopic(roomID),
		Type:    EventRoomClosed,
		Payload: RoomClosed{RoomID: roomID},
	})
}

func (g *Gateway) displayNames(ctx context.Context, userIDs []string) map[string]string {
	var resolved map[string]string
	if g.names != nil {
		resolved = g.names.DisplayNames(ctx, userIDs)
	}
	names := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		name := resolved[userID]
		if name == "" {
			name = userID
		}
		names[userID] = name
	}
	return names
}
