package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sakil470004/issue-tracker/internal/router"
	"github.com/sakil470004/issue-tracker/pkg/config"
	"github.com/sakil470004/issue-tracker/pkg/rooms"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeSession struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSession) ID() uuid.UUID { return f.id }

func (f *fakeSession) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, message)
}

func (f *fakeSession) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestApp() *App {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Address: ":0",
			Auth:    config.AuthConfig{JWTSecret: "s", ServiceToken: "svc-token"},
		},
		Transport: config.TransportConfig{ReadTimeout: time.Minute, SendBufferSize: 16},
	}
	return NewApp(newTestLogger(), context.Background(), cfg, router.AllowAll{})
}

func postEmit(t *testing.T, app *App, authToken, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/emit", strings.NewReader(body))
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	rec := httptest.NewRecorder()
	app.emitHandler(rec, req)
	return rec.Code
}

func TestEmitEndpointDispatchesToUser(t *testing.T) {
	app := newTestApp()
	sess := &fakeSession{id: uuid.New()}
	app.presence.Register("alice", sess)
	app.rooms.Join(rooms.UserRoom("alice"), sess)

	code := postEmit(t, app, "svc-token", `{"target":"user:alice","event":"notification","payload":{"message":"x"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if got := sess.frameCount(); got != 1 {
		t.Errorf("delivered %d frames, want 1", got)
	}
}

func TestEmitEndpointDispatchesToProject(t *testing.T) {
	app := newTestApp()
	member := &fakeSession{id: uuid.New()}
	outsider := &fakeSession{id: uuid.New()}
	app.presence.Register("alice", member)
	app.presence.Register("bob", outsider)
	app.rooms.Join(rooms.ProjectRoom("p1"), member)

	code := postEmit(t, app, "svc-token", `{"target":"project:p1","event":"issueCreated","payload":{"id":"I1","projectId":"p1"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if got := member.frameCount(); got != 1 {
		t.Errorf("member received %d frames, want 1", got)
	}
	if got := outsider.frameCount(); got != 0 {
		t.Errorf("outsider received %d frames, want 0", got)
	}
}

func TestEmitEndpointRejections(t *testing.T) {
	app := newTestApp()

	cases := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"missing service token", "", `{"target":"user:alice","event":"notification","payload":{"message":"x"}}`, http.StatusUnauthorized},
		{"wrong service token", "nope", `{"target":"user:alice","event":"notification","payload":{"message":"x"}}`, http.StatusUnauthorized},
		{"bad target", "svc-token", `{"target":"something:else","event":"notification","payload":{"message":"x"}}`, http.StatusBadRequest},
		{"unknown event", "svc-token", `{"target":"user:alice","event":"nope","payload":{"message":"x"}}`, http.StatusBadRequest},
		{"invalid payload", "svc-token", `{"target":"user:alice","event":"notification","payload":{}}`, http.StatusBadRequest},
		{"malformed body", "svc-token", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := postEmit(t, app, tc.token, tc.body); code != tc.want {
				t.Errorf("status = %d, want %d", code, tc.want)
			}
		})
	}
}

func TestEmitEndpointDisabledWithoutServiceToken(t *testing.T) {
	app := newTestApp()
	app.config.Server.Auth.ServiceToken = ""

	code := postEmit(t, app, "", `{"target":"user:alice","event":"notification","payload":{"message":"x"}}`)
	if code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when endpoint is disabled", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp()
	app.presence.Register("alice", &fakeSession{id: uuid.New()})

	rec := httptest.NewRecorder()
	app.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Connections != 1 {
		t.Errorf("resp = %+v", resp)
	}
}
