// Package channel carries room frames over a WebSocket connection.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabkit/roomkit/internal/room"
)

const writeTimeout = 10 * time.Second

// Interface guards
var (
	_ room.ChannelDialer = (*WebSocketDialer)(nil)
	_ room.Channel       = (*wsChannel)(nil)
)

// WebSocketDialer opens gorilla-backed channels.
type WebSocketDialer struct {
	logger *slog.Logger
	dialer *websocket.Dialer
}

func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens the channel and starts its read pump. A successful return
// means the channel is open; close and error events reach the handler from
// the pump goroutine.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, h room.ChannelHandler) (room.Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("channel: dial: %w", err)
	}
	c := &wsChannel{conn: conn, logger: d.logger}
	go c.readPump(h)
	return c, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool
}

func (c *wsChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return fmt.Errorf("channel: send on closed channel")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(writeTimeout)
	c.conn.SetWriteDeadline(deadline)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}

// readPump forwards frames until the connection dies, then reports the
// close code exactly once.
func (c *wsChannel) readPump(h room.ChannelHandler) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			if h.OnError != nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnError(err)
			}
			if h.OnClose != nil {
				h.OnClose(code, reason)
			}
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func closeDetails(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
