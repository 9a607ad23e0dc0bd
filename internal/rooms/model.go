package rooms

import (
	"fmt"
	"strings"
	"time"
)

// Permission is the access level a participant holds in a room or session.
type Permission string

const (
	// PermissionReadOnly allows observing but not editing.
	PermissionReadOnly Permission = "read-only"
	// PermissionReadWrite allows editing.
	PermissionReadWrite Permission = "read-write"
)

// ParsePermission validates a raw permission value.
func ParsePermission(raw string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(raw))) {
	case PermissionReadOnly:
		return PermissionReadOnly, nil
	case PermissionReadWrite:
		return PermissionReadWrite, nil
	default:
		return "", NewError("rooms.parse_permission", "unknown_permission", ErrInvalidArgument, fmt.Errorf("%q", raw))
	}
}

// SessionStatus reports whether a code session has live participants.
type SessionStatus string

const (
	// SessionStatusActive marks a session with at least one live connection.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusInactive marks a session nobody is connected to.
	SessionStatusInactive SessionStatus = "inactive"
)

// ParseSessionStatus validates a raw status value.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case SessionStatusActive:
		return SessionStatusActive, nil
	case SessionStatusInactive:
		return SessionStatusInactive, nil
	default:
		return "", NewError("rooms.parse_session_status", "unknown_status", ErrInvalidArgument, fmt.Errorf("%q", raw))
	}
}

const (
	maxIdentifierLength = 190
	maxNameLength       = 120
)

// Room is a durable collaboration space with a single fixed owner.
type Room struct {
	RoomID      string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Name        string    `gorm:"column:name;size:120;not null"`
	OwnerUserID string    `gorm:"column:owner_user_id;size:190;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "collab_rooms"
}

// RoomParticipant links a user to a room.
type RoomParticipant struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID     string     `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_room_participants_pair,priority:1"`
	UserID     string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_room_participants_pair,priority:2;index"`
	Permission Permission `gorm:"column:permission;size:16;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomParticipant) TableName() string {
	return "collab_room_participants"
}

// CodeSession is an editing surface that lives inside exactly one room.
type CodeSession struct {
	SessionID     string        `gorm:"column:session_id;primaryKey;size:190;not null"`
	RoomID        string        `gorm:"column:room_id;size:190;not null;index"`
	Name          string        `gorm:"column:name;size:120;not null"`
	Status        SessionStatus `gorm:"column:status;size:16;not null;default:'inactive'"`
	CreatorUserID string        `gorm:"column:creator_user_id;size:190;not null;default:''"`
	CreatedAt     time.Time     `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CodeSession) TableName() string {
	return "collab_code_sessions"
}

// SessionParticipant holds a per-session permission, independent of the room
// level permission. The lowest ID of a session is its earliest participant.
type SessionParticipant struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID  string     `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_session_participants_pair,priority:1"`
	UserID     string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_session_participants_pair,priority:2;index"`
	Permission Permission `gorm:"column:permission;size:16;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SessionParticipant) TableName() string {
	return "collab_session_participants"
}

// Models lists every table owned by the store, in creation order.
func Models() []any {
	return []any{&Room{}, &RoomParticipant{}, &CodeSession{}, &SessionParticipant{}}
}

func normalizeIdentifier(operation, field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", NewError(operation, "missing_"+field, ErrInvalidArgument, nil)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", NewError(operation, "invalid_"+field, ErrInvalidArgument,
			fmt.Errorf("exceeds %d characters", maxIdentifierLength))
	}
	return trimmed, nil
}

func normalizeName(operation, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", NewError(operation, "missing_name", ErrInvalidArgument, nil)
	}
	if len([]rune(trimmed)) > maxNameLength {
		return "", NewError(operation, "invalid_name", ErrInvalidArgument,
			fmt.Errorf("exceeds %d characters", maxNameLength))
	}
	return trimmed, nil
}
