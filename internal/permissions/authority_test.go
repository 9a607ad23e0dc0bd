package permissions

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/backend/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseSequence atomic.Int64

type fixture struct {
	store     *rooms.Store
	authority *Authority
	room      rooms.Room
	session   rooms.CodeSession
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:permissions_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(rooms.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := rooms.NewStore(rooms.StoreConfig{Database: db, IDProvider: rooms.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	authority, err := NewAuthority(Config{Store: store})
	if err != nil {
		t.Fatalf("failed to construct authority: %v", err)
	}

	ctx := context.Background()
	room, err := store.CreateRoom(ctx, "Algo Study", "alice")
	if err != nil {
		t.Fatalf("create room failed: %v", err)
	}
	if _, _, err := store.AddRoomParticipant(ctx, room.RoomID, "bob"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	session, err := store.CreateSession(ctx, room.RoomID, "main", "alice")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	return fixture{store: store, authority: authority, room: room, session: session}
}

func TestNewAuthorityRequiresStore(t *testing.T) {
	if _, err := NewAuthority(Config{}); !errors.Is(err, rooms.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCanCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	allowed, err := f.authority.CanCreateSession(ctx, f.room.RoomID, "bob")
	if err != nil || !allowed {
		t.Fatalf("expected member to be allowed, got %v err=%v", allowed, err)
	}
	allowed, err = f.authority.CanCreateSession(ctx, f.room.RoomID, "mallory")
	if err != nil || allowed {
		t.Fatalf("expected outsider to be refused, got %v err=%v", allowed, err)
	}
	if _, err := f.authority.CanCreateSession(ctx, "missing", "bob"); !errors.Is(err, rooms.ErrNotFound) {
		t.Fatalf("expected not found for unknown room, got %v", err)
	}
}

func TestCanWriteInSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		want   bool
	}{
		{name: "creator", userID: "alice", want: true},
		{name: "read-only member", userID: "bob", want: false},
		{name: "outsider", userID: "mallory", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.authority.CanWriteInSession(ctx, f.session.SessionID, tt.userID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := f.authority.CanWriteInSession(ctx, "missing", "alice"); !errors.Is(err, rooms.ErrNotFound) {
		t.Fatalf("expected not found for unknown session, got %v", err)
	}
}

func TestCanKick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if ok, err := f.authority.CanKick(ctx, f.room.RoomID, "alice", "bob"); err != nil || !ok {
		t.Fatalf("expected owner to kick bob, got %v err=%v", ok, err)
	}
	if ok, err := f.authority.CanKick(ctx, f.room.RoomID, "alice", "alice"); err != nil || ok {
		t.Fatalf("expected self-kick to be refused, got %v err=%v", ok, err)
	}
	if ok, err := f.authority.CanKick(ctx, f.room.RoomID, "bob", "alice"); err != nil || ok {
		t.Fatalf("expected non-owner to be refused, got %v err=%v", ok, err)
	}
}

func TestAuthorizeKickErrorKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		roomID    string
		requester string
		target    string
		want      error
	}{
		{name: "allowed", roomID: f.room.RoomID, requester: "alice", target: "bob", want: nil},
		{name: "unknown room", roomID: "missing", requester: "alice", target: "bob", want: rooms.ErrNotFound},
		{name: "non-owner", roomID: f.room.RoomID, requester: "bob", target: "alice", want: rooms.ErrForbidden},
		{name: "self-kick", roomID: f.room.RoomID, requester: "alice", target: "alice", want: rooms.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.authority.AuthorizeKick(ctx, tt.roomID, tt.requester, tt.target)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGrantAndRevokeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.authority.GrantWrite(ctx, f.session.SessionID, "alice", "bob")
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if change.Permission != rooms.PermissionReadWrite || change.TargetUserID != "bob" || change.RoomID != f.room.RoomID {
		t.Fatalf("unexpected change: %#v", change)
	}
	if ok, _ := f.authority.CanWriteInSession(ctx, f.session.SessionID, "bob"); !ok {
		t.Fatalf("expected bob to write after grant")
	}

	change, err = f.authority.RevokeWrite(ctx, f.session.SessionID, "alice", "bob")
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if change.Permission != rooms.PermissionReadOnly {
		t.Fatalf("expected read-only after revoke, got %s", change.Permission)
	}
	if ok, _ := f.authority.CanWriteInSession(ctx, f.session.SessionID, "bob"); ok {
		t.Fatalf("expected bob to lose write after revoke")
	}
}

func TestPermissionChangeErrorKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.store.AddRoomParticipant(ctx, f.room.RoomID, "carol"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	tests := []struct {
		name      string
		sessionID string
		requester string
		target    string
		want      error
	}{
		{name: "creator self-revoke", sessionID: f.session.SessionID, requester: "alice", target: "alice", want: rooms.ErrInvalidArgument},
		{name: "non-creator", sessionID: f.session.SessionID, requester: "bob", target: "carol", want: rooms.ErrForbidden},
		{name: "non-creator targeting creator", sessionID: f.session.SessionID, requester: "bob", target: "alice", want: rooms.ErrForbidden},
		{name: "unknown session", sessionID: "missing", requester: "alice", target: "bob", want: rooms.ErrNotFound},
		{name: "unknown target", sessionID: f.session.SessionID, requester: "alice", target: "ghost", want: rooms.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.authority.RevokeWrite(ctx, tt.sessionID, tt.requester, tt.target); !errors.Is(err, tt.want) {
				t.Fatalf("revoke: expected %v, got %v", tt.want, err)
			}
			if _, err := f.authority.GrantWrite(ctx, tt.sessionID, tt.requester, tt.target); !errors.Is(err, tt.want) {
				t.Fatalf("grant: expected %v, got %v", tt.want, err)
			}
		})
	}

	creatorRow, err := f.store.FindSessionParticipant(ctx, f.session.SessionID, "alice")
	if err != nil {
		t.Fatalf("find creator failed: %v", err)
	}
	if creatorRow.Permission != rooms.PermissionReadWrite {
		t.Fatalf("creator permission must stay read-write, got %s", creatorRow.Permission)
	}
}

func TestSetSessionStatusRequiresCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.authority.SetSessionStatus(ctx, f.session.SessionID, "bob", rooms.SessionStatusActive); !errors.Is(err, rooms.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := f.authority.SetSessionStatus(ctx, f.session.SessionID, "alice", rooms.SessionStatus("paused")); !errors.Is(err, rooms.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := f.authority.SetSessionStatus(ctx, "missing", "alice", rooms.SessionStatusActive); !errors.Is(err, rooms.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.authority.SetSessionStatus(ctx, f.session.SessionID, "alice", rooms.SessionStatusActive); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	session, err := f.store.FindSession(ctx, f.session.SessionID)
	if err != nil {
		t.Fatalf("find session failed: %v", err)
	}
	if session.Status != rooms.SessionStatusActive {
		t.Fatalf("expected active, got %s", session.Status)
	}
}

func TestKickRevokesWriteAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.authority.GrantWrite(ctx, f.session.SessionID, "alice", "bob"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := f.authority.AuthorizeKick(ctx, f.room.RoomID, "alice", "bob"); err != nil {
		t.Fatalf("authorize kick failed: %v", err)
	}
	if err := f.store.RemoveRoomParticipant(ctx, f.room.RoomID, "bob"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	ok, err := f.authority.CanWriteInSession(ctx, f.session.SessionID, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("kicked user must not write")
	}
}
