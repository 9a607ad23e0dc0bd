package lifecycle

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/permissions"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	opCoordinatorNew       = "lifecycle.coordinator.new"
	opSubscribe            = "lifecycle.subscribe"
	opDisconnect           = "lifecycle.disconnect"
	opKick                 = "lifecycle.kick"
	opJoinRoom             = "lifecycle.join_room"
	opDeleteRoom           = "lifecycle.delete_room"
	opCreateSession        = "lifecycle.create_session"
	opListSessions         = "lifecycle.list_sessions"
	opPermissionChange     = "lifecycle.permission_change"
	opSendCodeUpdate       = "lifecycle.send_code_update"
	reasonMissingDep       = "missing_dependency"
	reasonMissingRoom      = "missing_room_id"
	reasonMissingUser      = "missing_user_id"
	reasonMissingSession   = "missing_session_id"
	reasonSessionNotInRoom = "session_not_in_room"
	reasonNotParticipant   = "not_participant"
	reasonNotWriter        = "not_writer"
	reasonHydrateFailed    = "hydrate_failed"
	reasonStatusFailed     = "status_update_failed"
	reasonBroadcastFailed  = "broadcast_failed"
	defaultDisconnectLimit = 5 * time.Second
	statusLockStripes      = 64
)

var errMissingDependency = errors.New("store, authority, gateway and registry are required")

// Store is the subset of the durable room store driven by the coordinator.
type Store interface {
	CreateRoom(ctx context.Context, name, ownerID string) (rooms.Room, error)
	FindRoom(ctx context.Context, roomID string) (rooms.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	AddRoomParticipant(ctx context.Context, roomID, userID string) (rooms.RoomParticipant, bool, error)
	RemoveRoomParticipant(ctx context.Context, roomID, userID string) error
	CreateSession(ctx context.Context, roomID, name, creatorID string) (rooms.CodeSession, error)
	FindSession(ctx context.Context, sessionID string) (rooms.CodeSession, error)
	ListSessions(ctx context.Context, roomID string) ([]rooms.CodeSession, error)
	SetSessionStatus(ctx context.Context, sessionID string, status rooms.SessionStatus) error
}

// Authority is the permission surface consulted before mutations.
type Authority interface {
	CanCreateSession(ctx context.Context, roomID, userID string) (bool, error)
	AuthorizeKick(ctx context.Context, roomID, requesterID, targetID string) error
	AuthorizeDeleteRoom(ctx context.Context, roomID, requesterID string) error
	GrantWrite(ctx context.Context, sessionID, requesterID, targetID string) (permissions.PermissionChange, error)
	RevokeWrite(ctx context.Context, sessionID, requesterID, targetID string) (permissions.PermissionChange, error)
	SetSessionStatus(ctx context.Context, sessionID, requesterID string, status rooms.SessionStatus) error
}

// Gateway publishes recomputed state and point events.
type Gateway interface {
	RoomState(ctx context.Context, roomID string) (broadcast.RoomStateSnapshot, error)
	BroadcastRoomState(ctx context.Context, roomID string) (broadcast.RoomStateSnapshot, error)
	BroadcastCodeUpdate(ctx context.Context, update broadcast.CodeUpdate) (bool, error)
	BroadcastPermissionChange(ctx context.Context, change permissions.PermissionChange) (broadcast.PermissionChangeEvent, error)
	BroadcastRoomClosed(roomID string)
}

// Config wires the coordinator.
type Config struct {
	Store     Store
	Authority Authority
	Gateway   Gateway
	Registry  *presence.Registry
	Logger    *zap.Logger
	// DisconnectTimeout bounds the store work of a disconnect, independent of
	// the connection's own context.
	DisconnectTimeout time.Duration
}

// Subscription is a connection asking to observe a room and optionally one
// of its sessions.
type Subscription struct {
	RoomID    string
	SessionID string
	UserID    string
}

// Presence is attached to a connection after a successful subscribe and
// handed back on disconnect.
type Presence struct {
	RoomID    string
	SessionID string
	UserID    string
}

// Coordinator reconciles live presence with durable membership and requests
// broadcasts after every change.
type Coordinator struct {
	store             Store
	authority         Authority
	gateway           Gateway
	registry          *presence.Registry
	logger            *zap.Logger
	disconnectTimeout time.Duration
	statusLocks       [statusLockStripes]sync.Mutex
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Authority == nil || cfg.Gateway == nil || cfg.Registry == nil {
		return nil, rooms.NewError(opCoordinatorNew, reasonMissingDep, rooms.ErrInvalidArgument, errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.DisconnectTimeout
	if timeout <= 0 {
		timeout = defaultDisconnectLimit
	}
	return &Coordinator{
		store:             cfg.Store,
		authority:         cfg.Authority,
		gateway:           cfg.Gateway,
		registry:          cfg.Registry,
		logger:            logger,
		disconnectTimeout: timeout,
	}, nil
}

// Subscribe registers the caller's presence in a room, and in a session when
// one is named, then broadcasts fresh room state. The first live participant
// of a session marks it active.
func (c *Coordinator) Subscribe(ctx context.Context, sub Subscription) (Presence, error) {
	roomID := strings.TrimSpace(sub.RoomID)
	sessionID := strings.TrimSpace(sub.SessionID)
	userID := strings.TrimSpace(sub.UserID)
	if roomID == "" {
		return Presence{}, rooms.NewError(opSubscribe, reasonMissingRoom, rooms.ErrInvalidArgument, nil)
	}
	if userID == "" {
		return Presence{}, rooms.NewError(opSubscribe, reasonMissingUser, rooms.ErrInvalidArgument, nil)
	}
	fields := []zap.Field{zap.String("room_id", roomID), zap.String("session_id", sessionID), zap.String("user_id", userID)}

	var ownerID string
	if live, ok := c.registry.Room(roomID); ok {
		ownerID = live.OwnerID()
	} else {
		room, err := c.store.FindRoom(ctx, roomID)
		if err != nil {
			c.logFailure(opSubscribe, reasonHydrateFailed, err, fields...)
			return Presence{}, err
		}
		ownerID = room.OwnerUserID
	}

	if sessionID != "" {
		session, err := c.store.FindSession(ctx, sessionID)
		if err != nil {
			c.logFailure(opSubscribe, reasonHydrateFailed, err, fields...)
			return Presence{}, err
		}
		if session.RoomID != roomID {
			err := rooms.NewError(opSubscribe, reasonSessionNotInRoom, rooms.ErrNotFound, nil)
			c.logFailure(opSubscribe, reasonSessionNotInRoom, err, fields...)
			return Presence{}, err
		}
	}

	c.registry.EnterRoom(roomID, ownerID, userID)
	if sessionID != "" && c.registry.AddSessionParticipant(roomID, sessionID, userID) {
		c.syncSessionStatus(ctx, opSubscribe, sessionID, fields...)
	}

	c.broadcastRoomState(ctx, opSubscribe, roomID)
	return Presence{RoomID: roomID, SessionID: sessionID, UserID: userID}, nil
}

// Disconnect releases the presence recorded by Subscribe. When it empties the
// session, the session is marked inactive. It always completes: failures are
// logged, and store work runs under its own deadline even if ctx is done.
func (c *Coordinator) Disconnect(ctx context.Context, p Presence) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.disconnectTimeout)
	defer cancel()
	fields := []zap.Field{zap.String("room_id", p.RoomID), zap.String("session_id", p.SessionID), zap.String("user_id", p.UserID)}

	left := c.registry.RemoveRoomParticipant(p.RoomID, p.UserID)
	emptied := false
	if p.SessionID != "" {
		emptied = c.registry.RemoveSessionParticipant(p.SessionID, p.UserID)
	}
	if emptied {
		c.syncSessionStatus(ctx, opDisconnect, p.SessionID, fields...)
	}
	if !left && !emptied {
		return
	}
	c.broadcastRoomState(ctx, opDisconnect, p.RoomID)
}

// Kick removes targetID from the room and every session in it. Open
// connections of the target are not closed; later writes fail the permission
// check instead.
func (c *Coordinator) Kick(ctx context.Context, roomID, requesterID, targetID string) error {
	if err := c.authority.AuthorizeKick(ctx, roomID, requesterID, targetID); err != nil {
		return err
	}
	if err := c.store.RemoveRoomParticipant(ctx, roomID, targetID); err != nil {
		return err
	}
	c.logger.Info("participant kicked",
		zap.String("operation", opKick),
		zap.String("room_id", roomID),
		zap.String("user_id", requesterID),
		zap.String("target_user_id", targetID))
	c.broadcastRoomState(ctx, opKick, roomID)
	return nil
}

// CreateRoom persists a room owned by ownerID.
func (c *Coordinator) CreateRoom(ctx context.Context, name, ownerID string) (rooms.Room, error) {
	return c.store.CreateRoom(ctx, name, ownerID)
}

// JoinRoom adds userID to the room. Re-joining is a no-op.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, userID string) (rooms.RoomParticipant, error) {
	participant, created, err := c.store.AddRoomParticipant(ctx, roomID, userID)
	if err != nil {
		return rooms.RoomParticipant{}, err
	}
	if created {
		c.broadcastRoomState(ctx, opJoinRoom, roomID)
	}
	return participant, nil
}

// DeleteRoom removes the room and everything in it, drops its live state and
// tells current subscribers the room is gone. Owner only.
func (c *Coordinator) DeleteRoom(ctx context.Context, roomID, requesterID string) error {
	if err := c.authority.AuthorizeDeleteRoom(ctx, roomID, requesterID); err != nil {
		return err
	}
	if err := c.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	c.registry.DeactivateRoom(roomID)
	c.gateway.BroadcastRoomClosed(roomID)
	c.logger.Info("room deleted",
		zap.String("operation", opDeleteRoom),
		zap.String("room_id", roomID),
		zap.String("user_id", requesterID))
	return nil
}

// CreateSession starts a session in the room on behalf of a room participant.
func (c *Coordinator) CreateSession(ctx context.Context, roomID, name, creatorID string) (rooms.CodeSession, error) {
	allowed, err := c.authority.CanCreateSession(ctx, roomID, creatorID)
	if err != nil {
		return rooms.CodeSession{}, err
	}
	if !allowed {
		return rooms.CodeSession{}, rooms.NewError(opCreateSession, reasonNotParticipant, rooms.ErrForbidden, nil)
	}
	return c.store.CreateSession(ctx, roomID, name, creatorID)
}

// ListSessions returns the room's sessions to one of its participants.
func (c *Coordinator) ListSessions(ctx context.Context, roomID, userID string) ([]rooms.CodeSession, error) {
	allowed, err := c.authority.CanCreateSession(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, rooms.NewError(opListSessions, reasonNotParticipant, rooms.ErrForbidden, nil)
	}
	return c.store.ListSessions(ctx, roomID)
}

// SetSessionStatus lets the session creator override the recorded status.
func (c *Coordinator) SetSessionStatus(ctx context.Context, sessionID, requesterID string, status rooms.SessionStatus) error {
	return c.authority.SetSessionStatus(ctx, sessionID, requesterID, status)
}

// GrantWrite gives targetID write access and announces the change.
func (c *Coordinator) GrantWrite(ctx context.Context, sessionID, requesterID, targetID string) (permissions.PermissionChange, error) {
	change, err := c.authority.GrantWrite(ctx, sessionID, requesterID, targetID)
	if err != nil {
		return permissions.PermissionChange{}, err
	}
	c.announcePermissionChange(ctx, change)
	return change, nil
}

// RevokeWrite returns targetID to read-only and announces the change.
func (c *Coordinator) RevokeWrite(ctx context.Context, sessionID, requesterID, targetID string) (permissions.PermissionChange, error) {
	change, err := c.authority.RevokeWrite(ctx, sessionID, requesterID, targetID)
	if err != nil {
		return permissions.PermissionChange{}, err
	}
	c.announcePermissionChange(ctx, change)
	return change, nil
}

// SendCodeUpdate forwards content from a subscribed connection to its
// session. Senders without write access get ErrForbidden and nothing is
// published.
func (c *Coordinator) SendCodeUpdate(ctx context.Context, p Presence, content string) error {
	if p.SessionID == "" {
		return rooms.NewError(opSendCodeUpdate, reasonMissingSession, rooms.ErrInvalidArgument, nil)
	}
	delivered, err := c.gateway.BroadcastCodeUpdate(ctx, broadcast.CodeUpdate{
		RoomID:    p.RoomID,
		SessionID: p.SessionID,
		SenderID:  p.UserID,
		Content:   content,
	})
	if err != nil {
		return err
	}
	if !delivered {
		return rooms.NewError(opSendCodeUpdate, reasonNotWriter, rooms.ErrForbidden, nil)
	}
	return nil
}

// RoomState returns the current membership snapshot of a room.
func (c *Coordinator) RoomState(ctx context.Context, roomID string) (broadcast.RoomStateSnapshot, error) {
	return c.gateway.RoomState(ctx, roomID)
}

// LiveMembers returns the users currently connected to a room.
func (c *Coordinator) LiveMembers(roomID string) []string {
	return c.registry.RoomMembers(roomID)
}

func (c *Coordinator) announcePermissionChange(ctx context.Context, change permissions.PermissionChange) {
	if _, err := c.gateway.BroadcastPermissionChange(ctx, change); err != nil {
		c.logFailure(opPermissionChange, reasonBroadcastFailed, err,
			zap.String("room_id", change.RoomID),
			zap.String("session_id", change.SessionID),
			zap.String("user_id", change.RequesterID))
	}
}

// syncSessionStatus writes the durable status matching the session's live
// presence. Writes for one session are serialized and each reads presence
// after taking the lock, so the last write reflects the latest transition.
func (c *Coordinator) syncSessionStatus(ctx context.Context, operation, sessionID string, fields ...zap.Field) {
	lock := c.statusLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	status := rooms.SessionStatusActive
	if c.registry.IsSessionEmpty(sessionID) {
		status = rooms.SessionStatusInactive
	}
	if err := c.store.SetSessionStatus(ctx, sessionID, status); err != nil {
		c.logFailure(operation, reasonStatusFailed, err, fields...)
	}
}

func (c *Coordinator) statusLock(sessionID string) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(sessionID))
	return &c.statusLocks[hasher.Sum32()%statusLockStripes]
}

// broadcastRoomState never fails the caller; the next recomputation
// supersedes a missed snapshot.
func (c *Coordinator) broadcastRoomState(ctx context.Context, operation, roomID string) {
	if _, err := c.gateway.BroadcastRoomState(ctx, roomID); err != nil {
		c.logFailure(operation, reasonBroadcastFailed, err, zap.String("room_id", roomID))
	}
}

// logFailure logs store faults at error level and caller-side rejections at
// warn level.
func (c *Coordinator) logFailure(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	if errors.Is(rooms.KindOf(err), rooms.ErrUnavailable) {
		c.logger.Error("coordinator failure", attrs...)
		return
	}
	c.logger.Warn("coordinator rejection", attrs...)
}
