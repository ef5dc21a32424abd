package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/domain"
	apierrors "go.pilab.hu/imagewatch/errors"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/internal/audit"
	"go.pilab.hu/imagewatch/log"
	"go.pilab.hu/imagewatch/middleware"
)

// bearerSubprotocol is echoed back so browsers accept the upgrade; the token
// itself travels as the second offered subprotocol.
const bearerSubprotocol = "bearer"

var upgrader = websocket.Upgrader{
	Subprotocols: []string{bearerSubprotocol},
}

type handlers struct {
	auth         Authenticator
	tokens       cache.TokenIssuer
	tracker      Broadcaster
	frontend     *frontend
	frontendHash string
	audit        *audit.Recorder
	logger       log.Logger
}

func (h *handlers) login(c *gin.Context) {
	var credentials domain.Credentials
	if err := c.ShouldBindJSON(&credentials); err != nil {
		c.JSON(http.StatusUnauthorized, apierrors.NewUnauthorized("Invalid credentials"))
		return
	}

	token, err := h.auth.Login(c.Request.Context(), credentials)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, apierrors.NewUnavailable("Service restarting"))
		return
	}
	if token == nil {
		c.JSON(http.StatusUnauthorized, apierrors.NewUnauthorized("Invalid credentials"))
		return
	}
	c.String(http.StatusOK, token.String())
}

func (h *handlers) logout(c *gin.Context) {
	token, ok := middleware.TokenFromContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, apierrors.NewInvalidRequest("Missing token"))
		return
	}

	if err := h.tokens.Revoke(c.Request.Context(), token); err != nil {
		h.audit.Log(audit.ActionLogout, "", cache.HashToken(token)[:12], false, err)
		if errors.Is(err, actor.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, apierrors.NewUnavailable("Service restarting"))
			return
		}
		c.JSON(http.StatusBadRequest, apierrors.NewInvalidRequest("Bad request"))
		return
	}
	h.audit.Log(audit.ActionLogout, "", cache.HashToken(token)[:12], true, nil)
	c.Status(http.StatusOK)
}

func (h *handlers) checkAuth(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (h *handlers) getFrontendHash(c *gin.Context) {
	c.String(http.StatusOK, h.frontendHash)
}

func (h *handlers) files(c *gin.Context) {
	baseline, err := h.tracker.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, apierrors.NewUnavailable("Service restarting"))
		return
	}
	c.JSON(http.StatusOK, domain.FullSync(baseline))
}

func (h *handlers) websocket(c *gin.Context) {
	token, ok := middleware.TokenFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apierrors.NewUnauthorized("missing or invalid token"))
		return
	}
	if !h.tracker.Available() {
		c.JSON(http.StatusServiceUnavailable, apierrors.NewUnavailable("Service restarting"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Info(c.Request.Context(), "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	registered, err := h.tracker.RegisterSubscriber(c.Request.Context(), conn, token)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "service restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	if !registered {
		h.logger.Info(c.Request.Context(), "subscriber rejected")
	}
}

func (h *handlers) noRoute(c *gin.Context) {
	method := c.Request.Method
	p := c.Request.URL.Path
	if (method == http.MethodGet || method == http.MethodHead) &&
		p != "/backend" && !strings.HasPrefix(p, "/backend/") &&
		h.frontend.serve(c) {
		return
	}
	c.JSON(http.StatusNotFound, apierrors.NewNotFound("Not found"))
}
