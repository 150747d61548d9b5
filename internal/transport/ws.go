package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is a connected, message-framed channel to the broker.
type Conn interface {
	// ReadFrame blocks until the next well-formed frame arrives. Frames
	// that fail to parse are logged and skipped; only transport-level
	// failures are returned as errors.
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// Dialer establishes a Conn. The connection manager owns the only Dialer
// in the process; tests substitute scripted fakes.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 10 * time.Second
	pongTimeout      = 30 * time.Second
)

// WSDialer dials the broker's WebSocket endpoint.
type WSDialer struct {
	URL    string
	Logger *zap.Logger
}

// Dial opens the WebSocket and starts its heartbeat.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}

	c := &wsConn{ws: ws, logger: d.Logger, done: make(chan struct{})}
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ReadFrame() (*Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Protocol error: discard the frame, keep the connection.
			c.logger.Warn("discarding malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		return &f, nil
	}
}

func (c *wsConn) WriteFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				// The read loop will observe the broken connection.
				return
			}
		case <-c.done:
			return
		}
	}
}
