package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// fallbackUserPrefix builds the synthesized username for connections whose
// identity reply is empty; the suffix is the peer's source port.
const fallbackUserPrefix = "Usuario_"

// Session is the server-side record of one connected, identified client.
// The hub owns the registry of sessions; the username is immutable once the
// handshake has completed.
type Session struct {
	ID       string
	Username string
	Addr     string
	JoinedAt time.Time

	conn    protocol.Conn
	limiter *rateLimiter
	log     *log.Entry

	// writeMu serializes writes: broadcasts arrive from every other
	// session's goroutine, acks from this session's own loop.
	writeMu sync.Mutex
}

func newSession(conn protocol.Conn, username string, limit RateLimitConfig) *Session {
	id := uuid.NewString()
	addr := conn.RemoteAddr().String()
	return &Session{
		ID:       id,
		Username: username,
		Addr:     addr,
		JoinedAt: time.Now(),
		conn:     conn,
		limiter:  newRateLimiter(limit),
		log: log.WithFields(log.Fields{
			"session": id,
			"addr":    addr,
			"user":    username,
		}),
	}
}

// send writes one message to the session's connection. A failure is
// evidence of a dead peer; the caller decides whether to remove the
// session.
func (s *Session) send(m protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteLine(m.Encode())
}

func (s *Session) close() {
	if err := s.conn.Close(); err != nil && !protocol.IsClosed(err) {
		s.log.WithError(err).Debug("closing session connection")
	}
}

// fallbackUsername derives a stand-in identity from the peer's port when
// the handshake reply is empty. An unparseable address falls back to the
// full address string.
func fallbackUsername(addr net.Addr) string {
	if _, port, err := net.SplitHostPort(addr.String()); err == nil {
		return fallbackUserPrefix + port
	}
	return fmt.Sprintf("%s%s", fallbackUserPrefix, addr)
}

// SessionInfo is the externally visible description of a session, served by
// the admin listing endpoint.
type SessionInfo struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// Stats summarizes relay activity.
type Stats struct {
	Connected int    `json:"connected"`
	Messages  uint64 `json:"messages"`
}
