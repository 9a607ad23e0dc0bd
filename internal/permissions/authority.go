package permissions

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	opAuthorityNew      = "permissions.authority.new"
	opAuthorizeKick     = "permissions.authorize_kick"
	opAuthorizeDelete   = "permissions.authorize_delete_room"
	opGrantWrite        = "permissions.grant_write"
	opRevokeWrite       = "permissions.revoke_write"
	opSetSessionStatus  = "permissions.set_session_status"
	reasonMissingStore  = "missing_store"
	reasonNotOwner      = "not_owner"
	reasonNotCreator    = "not_creator"
	reasonSelfKick      = "self_kick"
	reasonTargetCreator = "target_is_creator"
)

var errMissingStore = errors.New("room store is required")

// Store is the subset of the durable room store consulted by the authority.
type Store interface {
	FindRoom(ctx context.Context, roomID string) (rooms.Room, error)
	FindRoomParticipant(ctx context.Context, roomID, userID string) (rooms.RoomParticipant, error)
	FindSession(ctx context.Context, sessionID string) (rooms.CodeSession, error)
	FindSessionParticipant(ctx context.Context, sessionID, userID string) (rooms.SessionParticipant, error)
	SessionCreator(ctx context.Context, sessionID string) (string, error)
	SetSessionPermission(ctx context.Context, sessionID, userID string, permission rooms.Permission) (rooms.SessionParticipant, error)
	SetSessionStatus(ctx context.Context, sessionID string, status rooms.SessionStatus) error
}

// Config wires the authority.
type Config struct {
	Store  Store
	Logger *zap.Logger
}

// PermissionChange describes an applied grant or revoke.
type PermissionChange struct {
	RoomID       string
	SessionID    string
	RequesterID  string
	TargetUserID string
	Permission   rooms.Permission
}

// Authority evaluates and applies room and session access rules.
type Authority struct {
	store  Store
	logger *zap.Logger
}

// NewAuthority constructs an Authority.
func NewAuthority(cfg Config) (*Authority, error) {
	if cfg.Store == nil {
		return nil, rooms.NewError(opAuthorityNew, reasonMissingStore, rooms.ErrInvalidArgument, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{store: cfg.Store, logger: logger}, nil
}

// CanCreateSession reports whether userID holds any membership in roomID.
func (a *Authority) CanCreateSession(ctx context.Context, roomID, userID string) (bool, error) {
	if _, err := a.store.FindRoom(ctx, roomID); err != nil {
		return false, err
	}
	return a.absentAsFalse(a.store.FindRoomParticipant(ctx, roomID, userID))
}

// CanWriteInSession reports whether userID holds read-write in sessionID.
func (a *Authority) CanWriteInSession(ctx context.Context, sessionID, userID string) (bool, error) {
	if _, err := a.store.FindSession(ctx, sessionID); err != nil {
		return false, err
	}
	participant, err := a.store.FindSessionParticipant(ctx, sessionID, userID)
	if errors.Is(err, rooms.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return participant.Permission == rooms.PermissionReadWrite, nil
}

// CanGrantOrRevoke reports whether requesterID created sessionID.
func (a *Authority) CanGrantOrRevoke(ctx context.Context, sessionID, requesterID string) (bool, error) {
	creator, err := a.store.SessionCreator(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return creator == requesterID, nil
}

// CanKick reports whether requesterID owns roomID and targets someone else.
func (a *Authority) CanKick(ctx context.Context, roomID, requesterID, targetID string) (bool, error) {
	room, err := a.store.FindRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room.OwnerUserID == requesterID && requesterID != targetID, nil
}

// CanSetStatus reports whether requesterID may change the status of sessionID.
func (a *Authority) CanSetStatus(ctx context.Context, sessionID, requesterID string) (bool, error) {
	return a.CanGrantOrRevoke(ctx, sessionID, requesterID)
}

// AuthorizeKick returns a kinded error unless requesterID may kick targetID.
func (a *Authority) AuthorizeKick(ctx context.Context, roomID, requesterID, targetID string) error {
	room, err := a.store.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerUserID != requesterID {
		return a.deny(opAuthorizeKick, reasonNotOwner, rooms.ErrForbidden,
			zap.String("room_id", roomID), zap.String("user_id", requesterID))
	}
	if requesterID == targetID {
		return rooms.NewError(opAuthorizeKick, reasonSelfKick, rooms.ErrInvalidArgument, nil)
	}
	return nil
}

// AuthorizeDeleteRoom returns a kinded error unless requesterID owns roomID.
func (a *Authority) AuthorizeDeleteRoom(ctx context.Context, roomID, requesterID string) error {
	room, err := a.store.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerUserID != requesterID {
		return a.deny(opAuthorizeDelete, reasonNotOwner, rooms.ErrForbidden,
			zap.String("room_id", roomID), zap.String("user_id", requesterID))
	}
	return nil
}

// GrantWrite gives targetID read-write access to sessionID.
func (a *Authority) GrantWrite(ctx context.Context, sessionID, requesterID, targetID string) (PermissionChange, error) {
	return a.changePermission(ctx, opGrantWrite, sessionID, requesterID, targetID, rooms.PermissionReadWrite)
}

// RevokeWrite returns targetID to read-only access in sessionID.
func (a *Authority) RevokeWrite(ctx context.Context, sessionID, requesterID, targetID string) (PermissionChange, error) {
	return a.changePermission(ctx, opRevokeWrite, sessionID, requesterID, targetID, rooms.PermissionReadOnly)
}

// SetSessionStatus lets the session creator record a status explicitly.
func (a *Authority) SetSessionStatus(ctx context.Context, sessionID, requesterID string, status rooms.SessionStatus) error {
	parsed, err := rooms.ParseSessionStatus(string(status))
	if err != nil {
		return err
	}
	allowed, err := a.CanSetStatus(ctx, sessionID, requesterID)
	if err != nil {
		return err
	}
	if !allowed {
		return a.deny(opSetSessionStatus, reasonNotCreator, rooms.ErrForbidden,
			zap.String("session_id", sessionID), zap.String("user_id", requesterID))
	}
	return a.store.SetSessionStatus(ctx, sessionID, parsed)
}

func (a *Authority) changePermission(ctx context.Context, operation, sessionID, requesterID, targetID string, permission rooms.Permission) (PermissionChange, error) {
	session, err := a.store.FindSession(ctx, sessionID)
	if err != nil {
		return PermissionChange{}, err
	}
	creator, err := a.store.SessionCreator(ctx, sessionID)
	if err != nil {
		return PermissionChange{}, err
	}
	if creator != requesterID {
		return PermissionChange{}, a.deny(operation, reasonNotCreator, rooms.ErrForbidden,
			zap.String("session_id", sessionID), zap.String("user_id", requesterID))
	}
	// The requester is the creator here, so this also rejects self-changes.
	if targetID == creator {
		return PermissionChange{}, rooms.NewError(operation, reasonTargetCreator, rooms.ErrInvalidArgument, nil)
	}
	updated, err := a.store.SetSessionPermission(ctx, sessionID, targetID, permission)
	if err != nil {
		return PermissionChange{}, err
	}
	return PermissionChange{
		RoomID:       session.RoomID,
		SessionID:    sessionID,
		RequesterID:  requesterID,
		TargetUserID: updated.UserID,
		Permission:   updated.Permission,
	}, nil
}

func (a *Authority) absentAsFalse(_ rooms.RoomParticipant, err error) (bool, error) {
	if errors.Is(err, rooms.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// deny builds a rejection and records it at debug level.
func (a *Authority) deny(operation, reason string, kind error, fields ...zap.Field) error {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	a.logger.Debug("permission denied", attrs...)
	return rooms.NewError(operation, reason, kind, nil)
}
