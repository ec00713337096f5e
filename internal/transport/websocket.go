package transport

import (
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 1 * time.Second

// WSConn adapts a gorilla WebSocket connection to Conn. Writes are
// serialized through a mutex; reads stay single-owner (the endpoint's read
// loop).
type WSConn struct {
	id    string
	conn  *websocket.Conn
	query url.Values

	writeMu sync.Mutex

	open      atomic.Bool
	idleNanos atomic.Int64

	closeOnce sync.Once
}

func NewWSConn(conn *websocket.Conn, query url.Values) *WSConn {
	c := &WSConn{
		id:    uuid.NewString(),
		conn:  conn,
		query: query,
	}
	c.open.Store(true)
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) IsOpen() bool { return c.open.Load() }

func (c *WSConn) QueryParameters() url.Values { return c.query }

func (c *WSConn) SetReadLimit(limit int64) {
	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
}

func (c *WSConn) SetIdleTimeout(d time.Duration) {
	c.idleNanos.Store(int64(d))
}

// ReadMessage reads the next frame, refreshing the idle deadline first. A
// read error marks the connection closed; gorilla connections are unusable
// after a failed read.
func (c *WSConn) ReadMessage() (int, []byte, error) {
	if idle := time.Duration(c.idleNanos.Load()); idle > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	}
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		c.open.Store(false)
	}
	return msgType, data, err
}

func (c *WSConn) SendText(msg string) error {
	return c.write(websocket.TextMessage, []byte(msg))
}

func (c *WSConn) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *WSConn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(msgType, data)
	if err != nil {
		c.open.Store(false)
	}
	return err
}

func (c *WSConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
