// Package ratelimit implements the WS-connect flood guard: a per-IP
// token-bucket limiter backed by ulule/limiter's in-memory store. There
// is no cross-pod rate-limit store here — this service has no shared
// persistence (see DESIGN.md), so the limiter only needs to agree with
// itself within one process.
package ratelimit

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/lostwire/signaling/internal/logging"
	"github.com/lostwire/signaling/internal/metrics"
)

// ConnectLimiter enforces the per-IP WS-connect budget.
type ConnectLimiter struct {
	wsConnectIP *limiter.Limiter
}

// NewConnectLimiter builds a limiter from a formatted rate string, e.g.
// "20-M" for 20 connects per minute per IP.
func NewConnectLimiter(rateFormatted string) (*ConnectLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(rateFormatted)
	if err != nil {
		return nil, fmt.Errorf("invalid WS connect rate: %w", err)
	}
	store := memory.NewStore()
	return &ConnectLimiter{wsConnectIP: limiter.New(store, rate)}, nil
}

// AllowConnect implements transport.ConnectGate.
func (rl *ConnectLimiter) AllowConnect(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	result, err := rl.wsConnectIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed, failing open")
		return true
	}

	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", result.Reset))
		return false
	}

	return true
}
