package twilio

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/altiora/pkg/stream"
)

var (
	errConnClosed = errors.New("twilio: connection closed")
	errQueueFull  = errors.New("twilio: send queue full")
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// wsConn adapts a gorilla connection to stream.Conn. Writes are queued to a
// single writer goroutine since gorilla allows one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	done    chan struct{}
	flushed chan struct{}
	once    sync.Once
}

func newConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:    conn,
		sendCh:  make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WriteJSON never blocks; a full queue is reported as an error.
func (c *wsConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- b:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errQueueFull
	}
}

func (c *wsConn) loop() {
	defer close(c.flushed)
	for {
		select {
		case msg := <-c.sendCh:
			if !c.write(msg) {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.sendCh:
					if !c.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *wsConn) write(msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg) == nil
}

// Close flushes queued writes and closes the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	<-c.flushed
	return c.conn.Close()
}

var _ stream.Conn = (*wsConn)(nil)
