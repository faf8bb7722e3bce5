package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lostwire/signaling/internal/identity"
	"github.com/lostwire/signaling/internal/logging"
	"github.com/lostwire/signaling/internal/metrics"
	"github.com/lostwire/signaling/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 32 * 1024
)

// wsConnection is the subset of *websocket.Conn the Client depends on,
// narrowed so tests can substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// Socket is the narrow surface a Dispatcher needs from a connection: send
// a frame, and read/bind the logical identity the engine attaches to it.
// *Client satisfies this; engine depends only on this interface so its
// tests can substitute a bare fake instead of a real socket.
type Socket interface {
	identity.Socket
	UserID() identity.UserID
	BindUserID(identity.UserID)
}

// Dispatcher receives decoded frames and lifecycle events from a Client.
// The engine package implements this; transport never inspects frame
// contents itself.
type Dispatcher interface {
	HandleConnect(ctx context.Context, s Socket)
	HandleMessage(ctx context.Context, s Socket, env protocol.Envelope)
	HandleDisconnect(ctx context.Context, s Socket)
}

// Client is one WebSocket connection. It satisfies identity.Socket.
type Client struct {
	conn       wsConnection
	dispatcher Dispatcher

	mu     sync.RWMutex
	userID identity.UserID

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// NewClient wraps an established connection. Call Run to start its pumps.
func NewClient(conn wsConnection, dispatcher Dispatcher) *Client {
	return &Client{
		conn:       conn,
		dispatcher: dispatcher,
		send:       make(chan []byte, 32),
		done:       make(chan struct{}),
	}
}

// UserID returns the logical identity bound to this connection, empty
// until the client completes hello.
func (c *Client) UserID() identity.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// BindUserID records the identity assigned or restored for this
// connection after hello is processed.
func (c *Client) BindUserID(userID identity.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Send implements identity.Socket: a best-effort, non-blocking enqueue.
// A full channel means the client is not draining fast enough; the frame
// is dropped rather than blocking the sender goroutine.
func (c *Client) Send(frame []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "client send channel full, dropping frame", zap.String("user_id", string(c.UserID())))
	}
}

// Close closes the underlying connection exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Run starts the read and write pumps and blocks until the connection
// closes. Call it from its own goroutine.
func (c *Client) Run(ctx context.Context) {
	metrics.IncConnection()
	c.dispatcher.HandleConnect(ctx, c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump(ctx)
	c.Close()
	wg.Wait()

	metrics.DecConnection()
	c.dispatcher.HandleDisconnect(ctx, c)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(data) > maxFrame {
			logging.Warn(ctx, "dropping oversized frame", zap.Int("size", len(data)))
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logging.Warn(ctx, "dropping malformed frame", zap.Error(err))
			continue
		}

		c.dispatcher.HandleMessage(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
