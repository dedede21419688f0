// Package presence tracks which users currently have live authenticated
// connections. A user is online iff at least one connection is registered
// under their id.
package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sakil470004/issue-tracker/pkg/transport"
)

// Registry maps a user id to the set of that user's live connections. It is
// safe for concurrent use from any number of connection lifecycles; every
// mutation is a short critical section with no blocking work under the lock.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[uuid.UUID]transport.Session

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		users:  make(map[string]map[uuid.UUID]transport.Session),
		logger: logger.With(slog.String("component", "presence_registry")),
	}
}

// Register adds a connection to the user's bucket, creating the bucket if
// absent. Registering the same pair twice is a no-op.
func (r *Registry) Register(userID string, sess transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.users[userID]
	if !ok {
		bucket = make(map[uuid.UUID]transport.Session)
		r.users[userID] = bucket
	}
	if _, exists := bucket[sess.ID()]; exists {
		return
	}
	bucket[sess.ID()] = sess
	r.logger.Debug("Connection registered", slog.String("userID", userID), slog.String("connID", sess.ID().String()))
}

// Deregister removes a connection from the user's bucket. The bucket is
// deleted in the same critical section when its last connection goes, so an
// empty bucket is never observable. Deregistering an absent pair is a no-op.
func (r *Registry) Deregister(userID string, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.users[userID]
	if !ok {
		return
	}
	if _, exists := bucket[connID]; !exists {
		return
	}
	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(r.users, userID)
	}
	r.logger.Debug("Connection deregistered", slog.String("userID", userID), slog.String("connID", connID.String()))
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Sessions returns a snapshot of the user's live connections.
func (r *Registry) Sessions(userID string) []transport.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.users[userID]
	sessions := make([]transport.Session, 0, len(bucket))
	for _, s := range bucket {
		sessions = append(sessions, s)
	}
	return sessions
}

// ConnectionCount returns the number of live connections for the user.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// All returns a snapshot of every live connection across all users, used by
// graceful shutdown to drain the process.
func (r *Registry) All() []transport.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []transport.Session
	for _, bucket := range r.users {
		for _, s := range bucket {
			sessions = append(sessions, s)
		}
	}
	return sessions
}
