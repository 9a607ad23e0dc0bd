package presence

import (
	"sort"
	"sync"
)

// LiveRoom is the in-memory presence state of an active room.
type LiveRoom struct {
	roomID  string
	ownerID string

	mu sync.Mutex
	// members counts open connections per user.
	members map[string]int
	// ownerSeeded keeps the owner present from activation until the owner's
	// own connections have all closed.
	ownerSeeded bool
	// retired is set once the room is dropped from the registry; holders of a
	// stale pointer must look the room up again.
	retired bool
}

// ID returns the room identifier.
func (r *LiveRoom) ID() string {
	return r.roomID
}

// OwnerID returns the owner recorded at activation.
func (r *LiveRoom) OwnerID() string {
	return r.ownerID
}

// Members returns the users currently present, sorted.
func (r *LiveRoom) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.members)+1)
	for userID := range r.members {
		users = append(users, userID)
	}
	if r.ownerSeeded {
		if _, counted := r.members[r.ownerID]; !counted {
			users = append(users, r.ownerID)
		}
	}
	sort.Strings(users)
	return users
}

// Has reports whether userID is present.
func (r *LiveRoom) Has(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownerSeeded && userID == r.ownerID {
		return true
	}
	return r.members[userID] > 0
}

type liveSession struct {
	roomID string

	mu      sync.Mutex
	members map[string]int
	retired bool
}

// Registry tracks which rooms and sessions are live and who is connected to
// them. Instances are independent; there is no package-level state.
type Registry struct {
	rooms    sync.Map // room id -> *LiveRoom
	sessions sync.Map // session id -> *liveSession
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// ActivateRoom returns the live room for roomID, creating it with ownerID
// implicitly present when it is not live yet.
func (r *Registry) ActivateRoom(roomID, ownerID string) *LiveRoom {
	if existing, ok := r.rooms.Load(roomID); ok {
		return existing.(*LiveRoom)
	}
	candidate := &LiveRoom{
		roomID:      roomID,
		ownerID:     ownerID,
		members:     make(map[string]int),
		ownerSeeded: ownerID != "",
	}
	actual, _ := r.rooms.LoadOrStore(roomID, candidate)
	return actual.(*LiveRoom)
}

// Room returns the live room for roomID if it is active.
func (r *Registry) Room(roomID string) (*LiveRoom, bool) {
	value, ok := r.rooms.Load(roomID)
	if !ok {
		return nil, false
	}
	return value.(*LiveRoom), true
}

// DeactivateRoom drops the live room and every live session bound to it.
func (r *Registry) DeactivateRoom(roomID string) {
	if value, ok := r.rooms.Load(roomID); ok {
		room := value.(*LiveRoom)
		room.mu.Lock()
		room.retired = true
		r.rooms.CompareAndDelete(roomID, room)
		room.mu.Unlock()
	}
	r.sessions.Range(func(key, value any) bool {
		session := value.(*liveSession)
		if session.roomID != roomID {
			return true
		}
		session.mu.Lock()
		session.retired = true
		session.mu.Unlock()
		r.sessions.CompareAndDelete(key, session)
		return true
	})
}

// EnterRoom records one more connection of userID, activating the room with
// ownerID first when it is not live. It reports whether the user became
// present with this call.
func (r *Registry) EnterRoom(roomID, ownerID, userID string) bool {
	if roomID == "" || userID == "" {
		return false
	}
	for {
		room := r.ActivateRoom(roomID, ownerID)
		room.mu.Lock()
		if room.retired {
			// Emptied and dropped after the lookup; activate a fresh entry.
			room.mu.Unlock()
			continue
		}
		wasPresent := room.members[userID] > 0 || (room.ownerSeeded && userID == room.ownerID)
		room.members[userID]++
		room.mu.Unlock()
		return !wasPresent
	}
}

// RemoveRoomParticipant releases one connection of userID. It reports whether
// the user is no longer present. Removing an absent user is a no-op. A room
// left with nobody present is dropped from the registry.
func (r *Registry) RemoveRoomParticipant(roomID, userID string) bool {
	room, ok := r.Room(roomID)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	count, tracked := room.members[userID]
	if !tracked {
		return false
	}
	if count > 1 {
		room.members[userID] = count - 1
		return false
	}
	delete(room.members, userID)
	if userID == room.ownerID {
		room.ownerSeeded = false
	}
	if len(room.members) == 0 && !room.ownerSeeded {
		room.retired = true
		r.rooms.CompareAndDelete(roomID, room)
	}
	return true
}

// RoomMembers returns the users present in roomID, or nil when it is not live.
func (r *Registry) RoomMembers(roomID string) []string {
	room, ok := r.Room(roomID)
	if !ok {
		return nil
	}
	return room.Members()
}

// AddSessionParticipant records one more connection of userID in sessionID.
// It reports whether the session was empty before this call.
func (r *Registry) AddSessionParticipant(roomID, sessionID, userID string) bool {
	if sessionID == "" || userID == "" {
		return false
	}
	for {
		value, _ := r.sessions.LoadOrStore(sessionID, &liveSession{
			roomID:  roomID,
			members: make(map[string]int),
		})
		session := value.(*liveSession)
		session.mu.Lock()
		if session.retired {
			// Lost a race with the removal that emptied it; pick up the
			// replacement entry.
			session.mu.Unlock()
			continue
		}
		first := len(session.members) == 0
		session.members[userID]++
		session.mu.Unlock()
		return first
	}
}

// RemoveSessionParticipant releases one connection of userID in sessionID. It
// reports whether this call left the session without live participants, so
// exactly one caller observes each emptying.
func (r *Registry) RemoveSessionParticipant(sessionID, userID string) bool {
	value, ok := r.sessions.Load(sessionID)
	if !ok {
		return false
	}
	session := value.(*liveSession)
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.retired {
		return false
	}
	count, tracked := session.members[userID]
	if !tracked {
		return false
	}
	if count > 1 {
		session.members[userID] = count - 1
		return false
	}
	delete(session.members, userID)
	if len(session.members) > 0 {
		return false
	}
	session.retired = true
	r.sessions.CompareAndDelete(sessionID, session)
	return true
}

// IsSessionEmpty reports whether nobody is connected to sessionID.
func (r *Registry) IsSessionEmpty(sessionID string) bool {
	value, ok := r.sessions.Load(sessionID)
	if !ok {
		return true
	}
	session := value.(*liveSession)
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.retired || len(session.members) == 0
}

// SessionMembers returns the users connected to sessionID, sorted.
func (r *Registry) SessionMembers(sessionID string) []string {
	value, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	session := value.(*liveSession)
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.retired {
		return nil
	}
	users := make([]string, 0, len(session.members))
	for userID := range session.members {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
