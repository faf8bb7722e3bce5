// Package health exposes liveness and the optional status endpoint
// described in §6: process uptime plus token/waiting/room counts, so an
// operator can eyeball load without scraping Prometheus.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Stats are read on every request; callers pass closures over their
// registries rather than the registries themselves, keeping this package
// free of a dependency on identity/matchmaking/room.
type Stats struct {
	TokenCount   func() int
	WaitingCount func() int
	RoomCount    func() int
}

// Handler serves the health endpoints.
type Handler struct {
	startedAt time.Time
	stats     Stats
}

// NewHandler creates a Handler. Any nil Stats field is treated as
// reporting zero, so tests can construct a Handler with a partial Stats.
func NewHandler(stats Stats) *Handler {
	return &Handler{startedAt: time.Now(), stats: stats}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Liveness handles GET /health/live — returns 200 as long as the process
// can respond at all, with no dependency checks (this service has none).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusResponse is the §6 optional status body.
type StatusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Tokens        int    `json:"tokens"`
	Waiting       int    `json:"waiting"`
	Rooms         int    `json:"rooms"`
}

// Status handles GET /health — reports load counters for operators.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Tokens:        callOrZero(h.stats.TokenCount),
		Waiting:       callOrZero(h.stats.WaitingCount),
		Rooms:         callOrZero(h.stats.RoomCount),
	})
}

func callOrZero(f func() int) int {
	if f == nil {
		return 0
	}
	return f()
}
