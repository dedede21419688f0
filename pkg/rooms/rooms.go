// Package rooms manages named multicast channels and their membership. Two
// kinds of room exist by naming convention: personal rooms ("user:<id>"),
// whose membership is tied to the connection lifecycle, and project rooms
// ("project:<id>"), joined and left by explicit client command.
package rooms

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sakil470004/issue-tracker/pkg/transport"
)

const (
	userRoomPrefix    = "user:"
	projectRoomPrefix = "project:"
)

// UserRoom returns the personal room id for a user.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// ProjectRoom returns the room id for a project.
func ProjectRoom(projectID string) string {
	return projectRoomPrefix + projectID
}

// IsUserRoom reports whether roomID names a personal room.
func IsUserRoom(roomID string) bool {
	return strings.HasPrefix(roomID, userRoomPrefix)
}

// IsProjectRoom reports whether roomID names a project room.
func IsProjectRoom(roomID string) bool {
	return strings.HasPrefix(roomID, projectRoomPrefix)
}

// ProjectID extracts the project id from a project room id. The second
// return is false if roomID is not a project room.
func ProjectID(roomID string) (string, bool) {
	if !IsProjectRoom(roomID) {
		return "", false
	}
	return strings.TrimPrefix(roomID, projectRoomPrefix), true
}

// UserID extracts the user id from a personal room id. The second return is
// false if roomID is not a personal room.
func UserID(roomID string) (string, bool) {
	if !IsUserRoom(roomID) {
		return "", false
	}
	return strings.TrimPrefix(roomID, userRoomPrefix), true
}

// Manager owns the room-to-connections relation. It is safe for concurrent
// use; mutations are short critical sections and Members returns a
// point-in-time snapshot, so an in-flight multicast never sees a torn view.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]map[uuid.UUID]transport.Session
	joined map[uuid.UUID]map[string]struct{} // reverse index for LeaveAll
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		rooms:  make(map[string]map[uuid.UUID]transport.Session),
		joined: make(map[uuid.UUID]map[string]struct{}),
		logger: logger.With(slog.String("component", "room_manager")),
	}
}

// Join adds the connection to the room's member set, creating the room entry
// if absent. Joining a room twice is a no-op.
func (m *Manager) Join(roomID string, sess transport.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = make(map[uuid.UUID]transport.Session)
		m.rooms[roomID] = room
	}
	connID := sess.ID()
	if _, exists := room[connID]; exists {
		return
	}
	room[connID] = sess

	rs, ok := m.joined[connID]
	if !ok {
		rs = make(map[string]struct{})
		m.joined[connID] = rs
	}
	rs[roomID] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("roomID", roomID), slog.String("connID", connID.String()))
}

// Leave removes the connection from the room's member set. The room entry is
// left in place even when empty; it is recreated lazily on the next Join and
// collected by Prune. Leaving a room never joined is a no-op.
func (m *Manager) Leave(roomID string, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	if _, exists := room[connID]; !exists {
		return
	}
	delete(room, connID)
	m.dropJoined(connID, roomID)

	m.logger.Debug("Connection left room", slog.String("roomID", roomID), slog.String("connID", connID.String()))
}

// LeaveAll removes the connection from every room it is a member of. It is
// invoked on disconnect as part of teardown and is idempotent. Rooms emptied
// here are deleted, since teardown is the common path for membership churn.
func (m *Manager) LeaveAll(connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.joined[connID]
	if !ok {
		return
	}
	for roomID := range rs {
		room := m.rooms[roomID]
		delete(room, connID)
		if len(room) == 0 {
			delete(m.rooms, roomID)
		}
	}
	delete(m.joined, connID)

	m.logger.Debug("Connection left all rooms", slog.String("connID", connID.String()), slog.Int("rooms", len(rs)))
}

// Members returns a consistent snapshot of the room's current member set.
// An unknown or empty room yields an empty slice.
func (m *Manager) Members(roomID string) []transport.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room := m.rooms[roomID]
	members := make([]transport.Session, 0, len(room))
	for _, s := range room {
		members = append(members, s)
	}
	return members
}

// Contains reports whether the connection is currently a member of the room.
func (m *Manager) Contains(roomID string, connID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, exists := room[connID]
	return exists
}

// Rooms returns a snapshot of the room ids the connection has joined.
func (m *Manager) Rooms(connID uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs := m.joined[connID]
	ids := make([]string, 0, len(rs))
	for roomID := range rs {
		ids = append(ids, roomID)
	}
	return ids
}

// Prune deletes empty room entries left behind by Leave and returns how many
// were collected. Correctness never depends on it; an empty room behaves the
// same as an absent one.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for roomID, room := range m.rooms {
		if len(room) == 0 {
			delete(m.rooms, roomID)
			pruned++
		}
	}
	return pruned
}

// caller must hold m.mu.
func (m *Manager) dropJoined(connID uuid.UUID, roomID string) {
	rs, ok := m.joined[connID]
	if !ok {
		return
	}
	delete(rs, roomID)
	if len(rs) == 0 {
		delete(m.joined, connID)
	}
}
