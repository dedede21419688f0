package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sakil470004/issue-tracker/internal/dispatch"
	"github.com/sakil470004/issue-tracker/internal/router"
	"github.com/sakil470004/issue-tracker/internal/server/middleware"
	"github.com/sakil470004/issue-tracker/pkg/config"
	"github.com/sakil470004/issue-tracker/pkg/presence"
	"github.com/sakil470004/issue-tracker/pkg/rooms"
	"github.com/sakil470004/issue-tracker/pkg/token"
	"github.com/sakil470004/issue-tracker/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	presence    *presence.Registry
	rooms       *rooms.Manager
	dispatcher  *dispatch.Dispatcher
	eventRouter *router.Router
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, projects router.ProjectDirectory) *App {
	presenceReg := presence.NewRegistry(logger)
	roomMgr := rooms.NewManager(logger)
	dispatcher := dispatch.NewDispatcher(logger, presenceReg, roomMgr)
	eventRouter := router.NewRouter(logger, presenceReg, roomMgr, projects)

	app := &App{
		logger:      logger,
		presence:    presenceReg,
		rooms:       roomMgr,
		dispatcher:  dispatcher,
		eventRouter: eventRouter,
		config:      cfg,
		ctx:         rootCtx,
	}

	verifier := token.NewJWTVerifier(cfg.Server.Auth.JWTSecret)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := presenceReg.ConnectionCount
	// Closes the user's oldest connection to make room for a new one.
	connCycler := func(userID string) {
		if oldest, found := app.oldestConnection(userID); found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID().String()))
			oldest.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, verifier),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("/emit", app.emitHandler)
	mux.HandleFunc("/healthz", app.healthHandler)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Dispatcher exposes the emit surface for in-process business logic.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	go a.pruneLoop()

	<-a.ctx.Done()
	return a.Shutdown()
}

// pruneLoop opportunistically collects empty room entries left behind by
// explicit leaves. Correctness never depends on this sweep.
func (a *App) pruneLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if n := a.rooms.Prune(); n > 0 {
				a.logger.Debug("Pruned empty rooms", slog.Int("count", n))
			}
		}
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == "" {
		// Auth middleware guarantees a user id; anything else is a wiring bug.
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		reqMeta.UserID,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)

	// Presence registration and personal-room join happen together, before
	// the pumps start, so no broadcast can race ahead of registration.
	a.eventRouter.Register(reqMeta.UserID, conn)
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(a.eventRouter.HandleClose)

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) oldestConnection(userID string) (*transport.Connection, bool) {
	var oldest *transport.Connection
	for _, sess := range a.presence.Sessions(userID) {
		conn, ok := sess.(*transport.Connection)
		if !ok {
			continue
		}
		if oldest == nil || conn.CreatedAt().Before(oldest.CreatedAt()) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, sess := range a.presence.All() {
		if conn, ok := sess.(*transport.Connection); ok {
			conn.Close(errors.New("graceful shutdown"))
		}
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
