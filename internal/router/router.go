// Package router handles the client-to-server control surface of an
// established connection: room join/leave commands, and the teardown hook
// that unwinds presence and membership on disconnect.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/tidwall/gjson"

	"github.com/sakil470004/issue-tracker/internal/dispatch"
	"github.com/sakil470004/issue-tracker/pkg/presence"
	"github.com/sakil470004/issue-tracker/pkg/rooms"
	"github.com/sakil470004/issue-tracker/pkg/transport"
)

// Control message vocabulary accepted from clients.
const (
	msgJoinRoom  = "join-room"
	msgLeaveRoom = "leave-room"
)

// Events the router itself pushes back to the origin connection.
const (
	eventError          = "error"
	eventRoomJoinDenied = "roomJoinDenied"
)

// ProjectDirectory answers whether a user may subscribe to a project's room.
// It is an external collaborator backed by the record store.
type ProjectDirectory interface {
	CanAccess(ctx context.Context, userID, projectID string) (bool, error)
}

// AllowAll is a ProjectDirectory that admits every join, for deployments
// that enforce project membership ahead of this service.
type AllowAll struct{}

func (AllowAll) CanAccess(ctx context.Context, userID, projectID string) (bool, error) {
	return true, nil
}

type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	sess   transport.Session
	userID string
}

// Router owns the authenticated-connection roster and mutates the presence
// registry and room manager on behalf of clients.
type Router struct {
	logger   *slog.Logger
	presence *presence.Registry
	rooms    *rooms.Manager
	projects ProjectDirectory

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
}

func NewRouter(logger *slog.Logger, presenceReg *presence.Registry, roomMgr *rooms.Manager, projects ProjectDirectory) *Router {
	if projects == nil {
		projects = AllowAll{}
	}
	return &Router{
		logger:   logger.With(slog.String("component", "router")),
		presence: presenceReg,
		rooms:    roomMgr,
		projects: projects,
		clients:  make(map[uuid.UUID]*client),
	}
}

// Register admits an authenticated connection: it is recorded in the
// presence registry and joined to its owner's personal room in one step,
// before the connection's pumps start, so no event can race ahead of
// registration. Registering the same connection twice is a no-op.
func (r *Router) Register(userID string, sess transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[sess.ID()]; exists {
		return
	}
	r.presence.Register(userID, sess)
	r.rooms.Join(rooms.UserRoom(userID), sess)
	r.clients[sess.ID()] = &client{sess: sess, userID: userID}

	r.logger.Info("Connection registered", slog.String("userID", userID), slog.String("connID", sess.ID().String()))
}

// HandleClose unwinds a connection: it leaves every room and is removed from
// presence as a single teardown step. Idempotent, so a duplicate close
// signal (transport close racing an explicit logout) causes no error.
func (r *Router) HandleClose(connID uuid.UUID, err error) {
	r.mu.Lock()
	cl, ok := r.clients[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, connID)
	r.mu.Unlock()

	r.rooms.LeaveAll(connID)
	r.presence.Deregister(cl.userID, connID)

	r.logger.Info("Connection torn down", slog.String("userID", cl.userID), slog.String("connID", connID.String()))
}

// HandleMessage processes one control message from an established
// connection. Malformed or unknown messages are answered with an error event
// on the origin connection; the connection itself stays up.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	cl, ok := r.lookup(connID)
	if !ok {
		r.logger.Warn("Message from unknown connection", slog.String("connID", connID.String()))
		return
	}

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		r.sendError(cl, "malformed message")
		return
	}

	switch clientMsg.Event {
	case msgJoinRoom:
		r.handleJoin(ctx, cl, clientMsg.Payload)
	case msgLeaveRoom:
		r.handleLeave(cl, clientMsg.Payload)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		r.sendError(cl, "unknown event")
	}
}

func (r *Router) handleJoin(ctx context.Context, cl *client, payload json.RawMessage) {
	roomID := gjson.GetBytes(payload, "room").String()
	projectID, ok := rooms.ProjectID(roomID)
	if !ok || projectID == "" {
		// Personal rooms are lifecycle-managed and never client-joinable.
		r.logger.Warn("Join refused for non-project room", slog.String("roomID", roomID), slog.String("userID", cl.userID))
		r.sendError(cl, "only project rooms can be joined")
		return
	}

	allowed, err := r.projects.CanAccess(ctx, cl.userID, projectID)
	if err != nil {
		r.logger.Error("Project directory lookup failed",
			slog.String("userID", cl.userID),
			slog.String("projectID", projectID),
			slog.Any("error", err),
		)
		r.sendError(cl, "room join failed")
		return
	}
	if !allowed {
		r.logger.Warn("Unauthorized room join", slog.String("userID", cl.userID), slog.String("roomID", roomID))
		r.send(cl, eventRoomJoinDenied, map[string]string{"room": roomID, "reason": "not a project member"})
		return
	}

	r.rooms.Join(roomID, cl.sess)
	r.logger.Debug("Client joined room", slog.String("userID", cl.userID), slog.String("roomID", roomID))
}

func (r *Router) handleLeave(cl *client, payload json.RawMessage) {
	roomID := gjson.GetBytes(payload, "room").String()
	if !rooms.IsProjectRoom(roomID) {
		// Personal-room membership is not client-controlled; ignore.
		r.logger.Warn("Leave ignored for non-project room", slog.String("roomID", roomID), slog.String("userID", cl.userID))
		return
	}
	r.rooms.Leave(roomID, cl.sess.ID())
	r.logger.Debug("Client left room", slog.String("userID", cl.userID), slog.String("roomID", roomID))
}

func (r *Router) lookup(connID uuid.UUID) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.clients[connID]
	return cl, ok
}

func (r *Router) sendError(cl *client, reason string) {
	r.send(cl, eventError, map[string]string{"reason": reason})
}

func (r *Router) send(cl *client, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal control event", slog.String("event", event), slog.Any("error", err))
		return
	}
	frame, err := json.Marshal(dispatch.Envelope{ID: xid.New().String(), Event: event, Payload: raw})
	if err != nil {
		r.logger.Error("Failed to marshal control frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	cl.sess.Send(frame)
}
