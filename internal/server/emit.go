package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakil470004/issue-tracker/internal/dispatch"
	"github.com/sakil470004/issue-tracker/pkg/rooms"
)

// EmitRequest is the body accepted by POST /emit. Target is either
// "user:<id>" or "project:<id>".
type EmitRequest struct {
	Target  string          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// emitHandler lets out-of-process business logic push domain events through
// the dispatcher. Guarded by the shared service token; delivery semantics
// are identical to the in-process API.
func (a *App) emitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.serviceAuthorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var err error
	if userID, ok := rooms.UserID(req.Target); ok {
		err = a.dispatcher.EmitToUser(userID, req.Event, req.Payload)
	} else if projectID, ok := rooms.ProjectID(req.Target); ok {
		err = a.dispatcher.EmitToProject(projectID, req.Event, req.Payload)
	} else {
		http.Error(w, "unknown target", http.StatusBadRequest)
		return
	}

	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownEvent) || errors.Is(err, dispatch.ErrInvalidPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.logger.Error("Emit failed", slog.String("target", req.Target), slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) serviceAuthorized(r *http.Request) bool {
	serviceToken := a.config.Server.Auth.ServiceToken
	if serviceToken == "" {
		// Endpoint is disabled until a service token is configured.
		return false
	}
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return auth == serviceToken
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"status":      "ok",
		"connections": len(a.presence.All()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("Failed to write health response", slog.Any("error", err))
	}
}
