// Package dispatch fans domain events out to the connections entitled to see
// them. Business logic targets a user or a project; the dispatcher resolves
// the target to a room and multicasts to the room's current members.
// Delivery is best-effort and at-most-once per member: nothing is queued for
// offline users and no acknowledgement is collected.
package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/rs/xid"

	"github.com/sakil470004/issue-tracker/pkg/presence"
	"github.com/sakil470004/issue-tracker/pkg/rooms"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Envelope is the wire frame pushed to clients.
type Envelope struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Dispatcher struct {
	presence *presence.Registry
	rooms    *rooms.Manager

	// order serializes emits per room so that two events accepted for the
	// same room are observed by every member in acceptance order. No
	// ordering exists across rooms.
	orderMu sync.Mutex
	order   map[string]*sync.Mutex

	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger, presenceReg *presence.Registry, roomMgr *rooms.Manager) *Dispatcher {
	return &Dispatcher{
		presence: presenceReg,
		rooms:    roomMgr,
		order:    make(map[string]*sync.Mutex),
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// EmitToUser delivers the event to every connection the user currently has
// open. A user with no live connections is a silent no-op.
func (d *Dispatcher) EmitToUser(userID, event string, payload json.RawMessage) error {
	return d.emit(rooms.UserRoom(userID), event, payload)
}

// EmitToProject delivers the event to every connection currently subscribed
// to the project's room.
func (d *Dispatcher) EmitToProject(projectID, event string, payload json.RawMessage) error {
	return d.emit(rooms.ProjectRoom(projectID), event, payload)
}

// IsOnline reports whether the user has at least one live connection.
func (d *Dispatcher) IsOnline(userID string) bool {
	return d.presence.IsOnline(userID)
}

func (d *Dispatcher) emit(roomID, event string, payload json.RawMessage) error {
	if err := ValidateEvent(event, payload); err != nil {
		return err
	}

	env := Envelope{
		ID:      xid.New().String(),
		Event:   event,
		Payload: payload,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// The per-room lock is held across the membership snapshot and the
	// enqueue loop. Each connection's send queue is FIFO, so members
	// observe same-room events in the order emits were accepted here.
	// Send never blocks, so the critical section stays bounded.
	lock := d.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	members := d.rooms.Members(roomID)
	if len(members) == 0 {
		return nil
	}
	for _, sess := range members {
		sess.Send(frame)
	}
	d.logger.Debug("Event dispatched",
		slog.String("event", event),
		slog.String("roomID", roomID),
		slog.String("messageID", env.ID),
		slog.Int("recipients", len(members)),
	)
	return nil
}

func (d *Dispatcher) roomLock(roomID string) *sync.Mutex {
	d.orderMu.Lock()
	defer d.orderMu.Unlock()
	lock, ok := d.order[roomID]
	if !ok {
		lock = &sync.Mutex{}
		d.order[roomID] = lock
	}
	return lock
}
