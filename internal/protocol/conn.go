package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MaxLineBytes bounds a single logical message on the TCP transport.
// Oversized lines terminate the connection rather than being split.
const MaxLineBytes = 4096

// ErrLineTooLong is returned when a peer sends a line over MaxLineBytes.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

// Conn is one framed, connection-oriented transport carrying logical
// messages as lines. Implementations exist for raw TCP (newline-delimited)
// and WebSocket (one text frame per line).
//
// ReadLine and WriteLine may be called from different goroutines, but
// callers must serialize writers themselves.
type Conn interface {
	// ReadLine blocks for the next logical message, without its line
	// terminator. It honors a previously set read deadline.
	ReadLine() (string, error)
	// WriteLine sends one logical message.
	WriteLine(line string) error
	// SetReadDeadline bounds subsequent ReadLine calls. The zero time
	// clears the deadline.
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader

	// pending holds bytes of a line interrupted by a deadline expiry;
	// ReadSlice consumes them from the buffer, so they are carried here
	// until the rest of the line arrives.
	pending []byte
}

// NewTCPConn frames a stream connection with newline-delimited messages.
func NewTCPConn(conn net.Conn) Conn {
	return &tcpConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, MaxLineBytes),
	}
}

func (c *tcpConn) ReadLine() (string, error) {
	// ReadSlice keeps the line bounded by the reader's buffer, unlike
	// ReadString which grows without limit.
	raw, err := c.reader.ReadSlice('\n')
	if len(c.pending)+len(raw) > MaxLineBytes {
		c.pending = nil
		return "", ErrLineTooLong
	}
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			c.pending = nil
			return "", ErrLineTooLong
		}
		// A partial line followed by EOF still counts as a message.
		if errors.Is(err, io.EOF) && len(c.pending)+len(raw) > 0 {
			line := string(c.pending) + string(raw)
			c.pending = nil
			return trimLine(line), nil
		}
		c.pending = append(c.pending, raw...)
		return "", err
	}
	line := string(c.pending) + string(raw)
	c.pending = nil
	return trimLine(line), nil
}

func (c *tcpConn) WriteLine(line string) error {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) Close() error { return c.conn.Close() }

// WebSocket keepalive: the gorilla read path treats a deadline expiry as a
// permanent failure, so an idle connection is kept alive with pings, and
// the pong handler keeps extending the deadline while the transport works.
const (
	pingInterval  = 30 * time.Second
	pingWriteWait = 10 * time.Second
)

type wsConn struct {
	conn *websocket.Conn

	// window is the duration of the most recent read deadline, extended
	// by the same amount on every pong. Zero means no deadline.
	window atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketConn adapts a WebSocket connection to the Conn interface,
// mapping one text frame to one logical message. It pings the peer on an
// interval; pongs extend the read deadline, so only a dead transport can
// let it expire.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(MaxLineBytes)
	c := &wsConn{conn: conn, stop: make(chan struct{})}
	conn.SetPongHandler(func(string) error {
		if w := c.window.Load(); w > 0 {
			return conn.SetReadDeadline(time.Now().Add(time.Duration(w)))
		}
		return nil
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// WriteControl is safe alongside concurrent writes.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if IsTimeout(err) {
				// The keepalive keeps a live transport from ever
				// reaching the deadline, and the gorilla connection is
				// unusable after an expiry either way.
				return "", fmt.Errorf("%w: no data or pong before read deadline", net.ErrClosed)
			}
			return "", err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return trimLine(string(payload)), nil
	}
}

func (c *wsConn) WriteLine(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		c.window.Store(0)
	} else {
		c.window.Store(int64(time.Until(t)))
	}
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.conn.Close()
}

func trimLine(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// IsTimeout reports whether err is a read-deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err indicates the peer or this side closed the
// connection in an expected way.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
