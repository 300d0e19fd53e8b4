package frame

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is a Transport where every binary websocket message is one frame. The websocket layer already
// delimits messages so no length prefix is written. Text and control messages are skipped.
type WebSocketConn struct {
	conn *websocket.Conn
	opts options
}

func NewWebSocketConn(conn *websocket.Conn, opts ...Option) *WebSocketConn {
	o := buildOptions(opts)
	conn.SetReadLimit(int64(o.maxFrameSize))
	return &WebSocketConn{conn: conn, opts: o}
}

func (c *WebSocketConn) Send(payload []byte) error {
	if c.opts.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *WebSocketConn) Receive() ([]byte, error) {
	for {
		if c.opts.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout)); err != nil {
				return nil, fmt.Errorf("failed to set read deadline: %w", err)
			}
		}
		mt, p, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		if mt == websocket.BinaryMessage {
			return p, nil
		}
	}
}

func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}

func (c *WebSocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
