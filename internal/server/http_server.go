package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/audit"
	"go.pilab.hu/imagewatch/internal/delivery"
	"go.pilab.hu/imagewatch/log"
	"go.pilab.hu/imagewatch/middleware"
)

// Authenticator is what the HTTP layer needs from the auth actor.
type Authenticator interface {
	middleware.Authorizer
	Login(ctx context.Context, credentials domain.Credentials) (*domain.Token, error)
}

// Broadcaster is what the HTTP layer needs from the tracker.
type Broadcaster interface {
	Available() bool
	RegisterSubscriber(ctx context.Context, conn delivery.Conn, token domain.Token) (bool, error)
	Snapshot(ctx context.Context) ([]domain.FileEntry, error)
}

// Options wires the router to the running actors.
type Options struct {
	Authenticator Authenticator
	Tokens        cache.TokenIssuer
	Tracker       Broadcaster
	// ServeDir is exposed read-only under /backend/data.
	ServeDir string
	// FrontendDir holds the single page app; empty disables it.
	FrontendDir  string
	FrontendHash string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// Audit receives logout events. Optional.
	Audit  *audit.Recorder
	Logger log.Logger
}

// NewRouter builds the gin engine serving the backend API, the watched files
// and the frontend.
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	logger := log.Component(opts.Logger, "http")

	router := gin.New()

	router.Use(middleware.Recover(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Authenticate(opts.Authenticator, logger))

	h := &handlers{
		auth:         opts.Authenticator,
		tokens:       opts.Tokens,
		tracker:      opts.Tracker,
		frontend:     newFrontend(opts.FrontendDir),
		frontendHash: opts.FrontendHash,
		audit:        opts.Audit,
		logger:       logger,
	}

	backend := router.Group("/backend")
	backend.POST("/login", h.login)
	backend.POST("/logout", h.logout)
	backend.GET("/checkauth", h.checkAuth)
	backend.GET("/frontend_hash", h.getFrontendHash)
	backend.GET("/ws", h.websocket)
	backend.GET("/files", h.files)
	backend.StaticFS("/data", gin.Dir(opts.ServeDir, false))

	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	router.NoRoute(h.noRoute)
	return router
}

// NewHTTPServer wraps handler in an http.Server listening on addr.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		// No write timeout: websocket and large image responses are long lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
