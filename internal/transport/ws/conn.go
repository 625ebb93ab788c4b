package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"

	"github.com/gorilla/websocket"
)

var (
	ErrQueueFull = fmt.Errorf("send queue full: %w", domain.ErrDelivery)
	ErrClosed    = fmt.Errorf("connection closed: %w", domain.ErrDelivery)
)

// wsConn — очередь исходящих кадров + единственный писатель (writeLoop).
// gorilla не допускает конкурентной записи в одно соединение.
type wsConn struct {
	conn *websocket.Conn
	out  chan []byte

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newWsConn(c *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsConn{
		conn: c,
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send не блокируется.
func (c *wsConn) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	err := c.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *wsConn) write(frame []byte, timeout time.Duration) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
