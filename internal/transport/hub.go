package transport

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lostwire/signaling/internal/logging"
)

// ConnectGate is consulted before every upgrade to enforce the per-IP
// WS-connect flood guard (§11 domain stack: ulule/limiter repurposed).
type ConnectGate interface {
	AllowConnect(c *gin.Context) bool
}

// Hub upgrades inbound HTTP requests to WebSocket connections and hands
// each one to a Dispatcher. Unlike a video room's Hub, it holds no
// per-room state of its own — identity, matchmaking and room state all
// live in their own registries, reached through the Dispatcher.
type Hub struct {
	upgrader       websocket.Upgrader
	dispatcher     Dispatcher
	gate           ConnectGate
	allowedOrigins []string
}

// NewHub creates a Hub. allowedOrigins is the configured CORS/WS origin
// allowlist; an empty Origin header (non-browser clients) is always let
// through, matching the teacher's validateOrigin behavior.
func NewHub(dispatcher Dispatcher, gate ConnectGate, allowedOrigins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // validated explicitly below
		},
		dispatcher:     dispatcher,
		gate:           gate,
		allowedOrigins: allowedOrigins,
	}
}

// ServeWs validates the origin and connect-rate budget, upgrades the
// connection, and runs the resulting Client on its own goroutine.
func (h *Hub) ServeWs(c *gin.Context) {
	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if h.gate != nil && !h.gate.AllowConnect(c) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h.dispatcher)
	go client.Run(c.Request.Context())
}

// validateOrigin checks if the request origin is in the allowed list.
// An empty Origin header is allowed to support non-browser clients.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}
