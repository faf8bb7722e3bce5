// Package middleware holds Gin middleware for the signaling server's
// plain-HTTP surface (the /ws upgrade endpoint and the health/metrics
// routes) — the authenticated-by-membership WebSocket protocol itself is
// handled entirely by internal/transport and internal/engine.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lostwire/signaling/internal/logging"
)

// HeaderXCorrelationID is the header a caller may supply to correlate its
// own request id with this server's logs, and the header this server
// echoes back.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation id, so a single
// /ws upgrade attempt (or health/metrics scrape) can be traced through
// this process's logs. A client-supplied id is only honored if it parses
// as a UUID — an inbound header is untrusted client input, and an
// arbitrary string would otherwise flow straight into every log line for
// the life of the connection. The id is stored both in the gin context and
// on the request's context.Context, which is the one the logging helpers
// read.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id))
		c.Next()
	}
}
