package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lostwire/signaling/internal/protocol"
)

// fakeConn is an in-memory wsConnection. Outbound writes land in
// `written`; inbound reads are served from `toRead` in order, then block
// until closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	toRead  chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toRead: make(chan []byte, 8)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.toRead
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.TextMessage {
		cp := append([]byte(nil), data...)
		f.written = append(f.written, cp)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toRead)
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

type recordingDispatcher struct {
	mu          sync.Mutex
	connected   []Socket
	disconnects []Socket
	messages    []protocol.Envelope
}

func (d *recordingDispatcher) HandleConnect(ctx context.Context, c Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, c)
}

func (d *recordingDispatcher) HandleMessage(ctx context.Context, c Socket, env protocol.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, env)
}

func (d *recordingDispatcher) HandleDisconnect(ctx context.Context, c Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, c)
}

func (d *recordingDispatcher) messageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func TestClient_RunNotifiesConnectAndDisconnect(t *testing.T) {
	conn := newFakeConn()
	disp := &recordingDispatcher{}
	client := NewClient(conn, disp)

	done := make(chan struct{})
	go func() { client.Run(context.Background()); close(done) }()

	conn.Close()
	<-done

	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Len(t, disp.connected, 1)
	assert.Len(t, disp.disconnects, 1)
}

func TestClient_DecodesInboundFramesToDispatcher(t *testing.T) {
	conn := newFakeConn()
	disp := &recordingDispatcher{}
	client := NewClient(conn, disp)

	done := make(chan struct{})
	go func() { client.Run(context.Background()); close(done) }()

	frame, err := protocol.Encode(protocol.TypeHello, protocol.HelloPayload{})
	require.NoError(t, err)
	conn.toRead <- frame

	require.Eventually(t, func() bool { return disp.messageCount() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	<-done
}

func TestClient_MalformedFrameIsDroppedNotFatal(t *testing.T) {
	conn := newFakeConn()
	disp := &recordingDispatcher{}
	client := NewClient(conn, disp)

	done := make(chan struct{})
	go func() { client.Run(context.Background()); close(done) }()

	conn.toRead <- []byte("not json")

	frame, err := protocol.Encode(protocol.TypeSkip, struct{}{})
	require.NoError(t, err)
	conn.toRead <- frame

	require.Eventually(t, func() bool { return disp.messageCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.TypeSkip, disp.messages[0].Type)

	conn.Close()
	<-done
}

func TestClient_SendWritesFrameToConnection(t *testing.T) {
	conn := newFakeConn()
	disp := &recordingDispatcher{}
	client := NewClient(conn, disp)

	done := make(chan struct{})
	go func() { client.Run(context.Background()); close(done) }()

	frame, err := protocol.Encode(protocol.TypeUserCount, protocol.UserCountPayload{Count: 3})
	require.NoError(t, err)
	client.Send(frame)

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 1 }, time.Second, time.Millisecond)

	conn.Close()
	<-done
}

func TestClient_SendAfterCloseIsNoOp(t *testing.T) {
	conn := newFakeConn()
	disp := &recordingDispatcher{}
	client := NewClient(conn, disp)

	done := make(chan struct{})
	go func() { client.Run(context.Background()); close(done) }()
	conn.Close()
	<-done

	assert.NotPanics(t, func() { client.Send([]byte("late")) })
}

func TestClient_BindUserID(t *testing.T) {
	conn := newFakeConn()
	disp := &recordingDispatcher{}
	client := NewClient(conn, disp)

	assert.Empty(t, client.UserID())
	client.BindUserID("alice")
	assert.Equal(t, "alice", string(client.UserID()))
}
