package middleware_test

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sakil470004/issue-tracker/internal/server/middleware"
	"github.com/sakil470004/issue-tracker/pkg/config"
	"github.com/sakil470004/issue-tracker/pkg/token"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeVerifier resolves "good-token" to user-1 and rejects everything else.
type fakeVerifier struct {
	calls int
}

func (f *fakeVerifier) Verify(tokenString string) (string, error) {
	f.calls++
	if tokenString == "good-token" {
		return "user-1", nil
	}
	return "", fmt.Errorf("%w: bad token", token.ErrAuthentication)
}

// authedChain is the handshake chain ahead of the upgrade handler.
func authedChain(verifier token.Verifier, final http.Handler) http.Handler {
	return middleware.Chain(final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), verifier),
	)
}

func TestAuthRejectsMissingCredential(t *testing.T) {
	reached := false
	h := authedChain(&fakeVerifier{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if reached {
		t.Error("handler reached despite missing credential")
	}
}

func TestAuthRejectsInvalidCredential(t *testing.T) {
	verifier := &fakeVerifier{}
	reached := false
	h := authedChain(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=bad-token", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if reached {
		t.Error("handler reached despite invalid credential")
	}
	if verifier.calls != 1 {
		t.Errorf("verifier invoked %d times, want exactly once", verifier.calls)
	}
}

func TestAuthAdmitsValidCredential(t *testing.T) {
	verifier := &fakeVerifier{}
	var gotUserID string
	h := authedChain(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
			gotUserID = meta.UserID
		}
	}))

	for _, target := range []string{"/ws?token=good-token", "/ws"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if target == "/ws" {
			req.Header.Set("Authorization", "Bearer good-token")
		}
		gotUserID = ""
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", target, rec.Code)
		}
		if gotUserID != "user-1" {
			t.Errorf("%s: resolved user = %q, want user-1", target, gotUserID)
		}
	}
	if verifier.calls != 2 {
		t.Errorf("verifier invoked %d times for 2 requests, want 2", verifier.calls)
	}
}

func limitedChain(counter middleware.UserConnectionCounter, cycler middleware.UserConnectionCycler, cfg config.ConnectionLimitConfig, final http.Handler) http.Handler {
	return middleware.Chain(final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), &fakeVerifier{}),
		middleware.NewConnectionLimiter(newTestLogger(), counter, cycler, cfg),
	)
}

func TestConnectionLimiterRejectMode(t *testing.T) {
	count := 0
	counter := func(userID string) int { return count }
	cfg := config.ConnectionLimitConfig{MaxPerUser: 2, Mode: "reject"}
	h := limitedChain(counter, nil, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=good-token", nil))
		return rec.Code
	}

	if got := req(); got != http.StatusOK {
		t.Errorf("first connection: status = %d, want 200", got)
	}
	count = 2
	if got := req(); got != http.StatusTooManyRequests {
		t.Errorf("connection over limit: status = %d, want 429", got)
	}
}

func TestConnectionLimiterCycleMode(t *testing.T) {
	cycled := ""
	counter := func(userID string) int { return 3 }
	cycler := func(userID string) { cycled = userID }
	cfg := config.ConnectionLimitConfig{MaxPerUser: 3, Mode: "cycle"}
	h := limitedChain(counter, cycler, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=good-token", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after cycling", rec.Code)
	}
	if cycled != "user-1" {
		t.Errorf("cycled user = %q, want user-1", cycled)
	}
}

func TestConnectionLimiterDisabled(t *testing.T) {
	counter := func(userID string) int { return 1000 }
	cfg := config.ConnectionLimitConfig{MaxPerUser: 0}
	h := limitedChain(counter, nil, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=good-token", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with limiter disabled", rec.Code)
	}
}
