// Package registry is the relay's single source of truth for which
// users are in which room. It holds no websocket or negotiation state;
// side effects of membership changes are returned to the caller as
// result records for the relay to broadcast.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUserNotInitialized is returned when an operation references a
// connection that has no backing user record yet, e.g. a join that
// raced ahead of connection setup. Non-fatal: the sender may retry.
var ErrUserNotInitialized = errors.New("user not initialized")

// User is one connected user. A user belongs to at most one room.
type User struct {
	ID                 string
	Name               string
	RoomID             string
	AudioEnabled       bool
	VideoEnabled       bool
	ScreenShareEnabled bool
	JoinedAt           time.Time
}

// Room is a named group of users sharing one call session. A room is
// created on first join and deleted the moment its member set empties.
type Room struct {
	ID        string
	Type      string
	CreatedAt time.Time
	members   map[string]struct{}
}

// JoinResult reports the outcome of a JoinRoom call.
type JoinResult struct {
	RoomID   string
	RoomType string
	User     User
	// Members is the room membership immediately before the join,
	// excluding the joiner.
	Members []User
	// Left is non-nil when the user was moved out of a previous room
	// as part of this join; it carries the same side effects as an
	// explicit leave.
	Left *LeaveResult
}

// LeaveResult reports the outcome of a LeaveRoom or RemoveUser call.
type LeaveResult struct {
	RoomID      string
	User        User
	Remaining   []User
	RoomDeleted bool
	Timestamp   time.Time
}

// Store owns the user and room tables. All mutation happens under one
// mutex so every operation is atomic: no caller can observe a
// half-finished room switch or a room with zero members.
type Store struct {
	mu    sync.Mutex
	users map[string]*User
	rooms map[string]*Room
	log   *zap.Logger
}

func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		users: make(map[string]*User),
		rooms: make(map[string]*Room),
		log:   log.Named("registry"),
	}
}

// AddUser creates the backing user record for a new connection. Track
// flags start enabled; the display name is set at join time.
func (s *Store) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &User{
		ID:           id,
		AudioEnabled: true,
		VideoEnabled: true,
		JoinedAt:     time.Now(),
	}
}

// User returns a copy of the user record.
func (s *Store) User(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// JoinRoom admits a user to roomID, creating the room if absent. If the
// user was in a different room it is removed from that room first, with
// the same side effects as an explicit leave, reported via Left. The
// returned member list is the membership immediately before the join,
// excluding the joiner, with no duplicates.
func (s *Store) JoinRoom(userID, roomID, displayName, roomType string) (*JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotInitialized
	}

	res := &JoinResult{RoomID: roomID}

	if u.RoomID != "" && u.RoomID != roomID {
		res.Left = s.leaveLocked(u)
	}

	u.Name = displayName

	room, ok := s.rooms[roomID]
	if !ok {
		room = &Room{
			ID:        roomID,
			Type:      roomType,
			CreatedAt: time.Now(),
			members:   make(map[string]struct{}),
		}
		s.rooms[roomID] = room
		s.log.Info("room created", zap.String("room", roomID), zap.String("type", roomType))
	}

	for id := range room.members {
		if id == userID {
			continue
		}
		res.Members = append(res.Members, *s.users[id])
	}

	room.members[userID] = struct{}{}
	u.RoomID = roomID

	res.RoomType = room.Type
	res.User = *u
	s.log.Info("user joined room",
		zap.String("user", userID),
		zap.String("room", roomID),
		zap.Int("members", len(room.members)))
	return res, nil
}

// LeaveRoom removes the user's membership. Returns false when the user
// is unknown or not in any room.
func (s *Store) LeaveRoom(userID string) (*LeaveResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.RoomID == "" {
		return nil, false
	}
	return s.leaveLocked(u), true
}

// RemoveUser is the full teardown used for explicit leave and for
// transport loss. Idempotent: removing an unknown user is a no-op.
func (s *Store) RemoveUser(userID string) (*LeaveResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	var res *LeaveResult
	if u.RoomID != "" {
		res = s.leaveLocked(u)
	}
	delete(s.users, userID)
	return res, res != nil
}

// leaveLocked removes u from its current room and deletes the room if
// it emptied. Caller holds the lock.
func (s *Store) leaveLocked(u *User) *LeaveResult {
	room := s.rooms[u.RoomID]
	res := &LeaveResult{
		RoomID:    u.RoomID,
		User:      *u,
		Timestamp: time.Now(),
	}
	if room != nil {
		delete(room.members, u.ID)
		for id := range room.members {
			res.Remaining = append(res.Remaining, *s.users[id])
		}
		if len(room.members) == 0 {
			delete(s.rooms, room.ID)
			res.RoomDeleted = true
			s.log.Info("room deleted", zap.String("room", room.ID))
		}
	}
	u.RoomID = ""
	return res
}

// SameRoom reports whether both users exist and share a room. Used by
// the relay to decide whether a targeted message may be forwarded.
func (s *Store) SameRoom(a, b string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ua, ok := s.users[a]
	if !ok || ua.RoomID == "" {
		return false
	}
	ub, ok := s.users[b]
	if !ok {
		return false
	}
	return ua.RoomID == ub.RoomID
}

// RoomMembers returns copies of the current members of roomID.
func (s *Store) RoomMembers(roomID string) []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]User, 0, len(room.members))
	for id := range room.members {
		members = append(members, *s.users[id])
	}
	return members
}

// RoomInfo returns a copy of the room record.
func (s *Store) RoomInfo(roomID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return Room{ID: room.ID, Type: room.Type, CreatedAt: room.CreatedAt}, true
}

// MemberCount returns the live member count of roomID, 0 if absent.
func (s *Store) MemberCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.members)
}

// Counts returns the number of rooms and users currently tracked.
func (s *Store) Counts() (rooms, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms), len(s.users)
}

// SetTrackEnabled records a user's audio/video/screen flag change.
func (s *Store) SetTrackEnabled(userID, kind string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	switch kind {
	case "audio":
		u.AudioEnabled = enabled
	case "video":
		u.VideoEnabled = enabled
	case "screen":
		u.ScreenShareEnabled = enabled
	default:
		return false
	}
	return true
}
