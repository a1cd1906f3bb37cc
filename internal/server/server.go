package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// Lifecycle and eviction errors surfaced to callers. Everything that goes
// wrong on an individual connection is logged and scoped to that
// connection, never returned from here.
var (
	ErrAlreadyRunning = errors.New("server: already running")
	ErrNotListening   = errors.New("server: not listening")
	ErrStopped        = errors.New("server: stopped")
	ErrUnknownSession = errors.New("server: no session with that address")
)

var errHandshakeTimeout = errors.New("handshake timed out")

type serverState int

const (
	stateIdle serverState = iota
	stateListening
	stateRunning
	stateStopped
)

const stopTimeout = 10 * time.Second

// Server is the relay: it accepts connections, handshakes them into
// sessions, relays chat and typing traffic between them, and evicts them
// on demand. All shared state lives in the hub.
type Server struct {
	cfg     Config
	hub     *hub
	origins *originPolicy
	log     *log.Entry

	mu           sync.Mutex
	state        serverState
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	wg sync.WaitGroup
}

// New builds a Server from cfg; zero-valued settings fall back to
// defaults.
func New(cfg Config) *Server {
	cfg = cfg.sanitized()
	return &Server{
		cfg:     cfg,
		hub:     newHub(),
		origins: newOriginPolicy(cfg.AllowedOrigins),
		log:     log.WithField("component", "server"),
	}
}

// Listen binds the TCP listener without accepting yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateListening, stateRunning:
		return ErrAlreadyRunning
	case stateStopped:
		return ErrStopped
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.state = stateListening
	s.log.WithField("addr", listener.Addr().String()).Info("relay listening")
	return nil
}

// Addr returns the bound TCP address, or empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the accept loop until Stop. Each accepted connection gets its
// own goroutine for handshake and session loop, so a slow client never
// stalls the loop. Serve on a server that is already running or was
// stopped is rejected.
func (s *Server) Serve() error {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.mu.Unlock()
		return ErrNotListening
	case stateRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case stateStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	s.state = stateRunning
	listener := s.listener
	s.startHTTPLocked()
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(protocol.NewTCPConn(conn))
		}()
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// startHTTPLocked launches the admin/WebSocket listener; callers hold s.mu.
func (s *Server) startHTTPLocked() {
	if s.cfg.HTTPAddr == "" {
		return
	}
	httpListener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		s.log.WithField("addr", s.cfg.HTTPAddr).WithError(err).Error("admin endpoint bind failed")
		return
	}
	s.httpListener = httpListener
	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpLog := s.log.WithField("addr", httpListener.Addr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		httpLog.Info("admin endpoint listening")
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpLog.WithError(err).Error("admin endpoint failed")
		}
	}()
}

// HTTPAddr returns the bound admin/WebSocket address, or empty when the
// HTTP listener is disabled or not yet started.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop evicts every session with reason, closes the listeners, and waits
// for per-connection goroutines to drain. Stopping twice is a no-op.
func (s *Server) Stop(reason string) error {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	listener := s.listener
	httpServer := s.httpServer
	s.mu.Unlock()

	s.EvictAll(reason)

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.WithError(err).Warn("closing listener")
		}
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("admin endpoint shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("relay stopped")
		return nil
	case <-time.After(stopTimeout):
		s.log.Warn("relay stop timed out waiting for session goroutines")
		return context.DeadlineExceeded
	}
}

func (s *Server) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateStopped
}

// handleConn runs one connection's full lifecycle: handshake, admission,
// session loop, removal. Transport kind (TCP or WebSocket) is invisible
// from here on.
func (s *Server) handleConn(conn protocol.Conn) {
	sess, err := s.handshake(conn)
	if err != nil {
		// A failed handshake discards the connection; the server keeps
		// accepting.
		s.log.WithField("addr", conn.RemoteAddr().String()).
			WithError(err).Warn("handshake failed")
		_ = conn.Close()
		return
	}

	if !s.hub.add(sess, s.cfg.MaxSessions) {
		sess.log.Warn("admission refused, registry full or address already registered")
		_ = sess.send(protocol.Notice("server is full"))
		sess.close()
		return
	}

	sess.log.Info("session admitted")
	s.hub.broadcast(protocol.Join(sess.Username), sess.Addr)

	s.sessionLoop(sess)

	// Idempotent removal: eviction or a failed broadcast may have
	// removed the session already, in which case the leave notice has
	// been or will never be sent by whoever won.
	if removed := s.hub.remove(sess.Addr); removed != nil {
		removed.close()
		removed.log.Info("session closed")
		s.hub.broadcast(protocol.Leave(removed.Username), "")
	}
}

// handshake requests the peer's identity and waits a bounded time for the
// reply line. An empty reply falls back to a port-derived username rather
// than rejecting the connection.
func (s *Server) handshake(conn protocol.Conn) (*Session, error) {
	if err := conn.WriteLine(protocol.IdentityRequest().Encode()); err != nil {
		return nil, fmt.Errorf("send identity request: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("arm handshake deadline: %w", err)
	}

	reply, err := conn.ReadLine()
	if err != nil {
		if protocol.IsTimeout(err) {
			return nil, errHandshakeTimeout
		}
		return nil, fmt.Errorf("read identity reply: %w", err)
	}

	username := strings.TrimSpace(reply)
	if username == "" {
		username = fallbackUsername(conn.RemoteAddr())
	}
	return newSession(conn, username, s.cfg.RateLimit), nil
}

// sessionLoop reads and relays until the peer goes away. Each read is
// bounded by the idle timeout and re-armed on expiry; a silent peer stays
// registered until its connection actually dies.
func (s *Server) sessionLoop(sess *Session) {
	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}

		line, err := sess.conn.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrLineTooLong):
				sess.log.Warn("oversized message, dropping session")
			case protocol.IsTimeout(err):
				// An idle peer is not a dead one. The deadline only keeps
				// the read from pinning the goroutine forever; Stop
				// cancels blocked reads by closing the connection.
				sess.log.Debug("idle window elapsed, re-arming read deadline")
				continue
			case protocol.IsClosed(err):
				sess.log.Info("peer disconnected")
			default:
				sess.log.WithError(err).Warn("session read failed")
			}
			return
		}
		if line == "" {
			continue
		}

		msg := protocol.ParseClient(line)
		switch msg.Kind {
		case protocol.KindTypingStart, protocol.KindTypingStop:
			// Presence is relayed verbatim: no counter, no ack.
			s.hub.broadcast(msg, sess.Addr)
		default:
			if !sess.limiter.allow() {
				sess.log.WithField("burst", s.cfg.RateLimit.Burst).
					Warn("rate limit exceeded, discarding chat message")
				continue
			}
			s.hub.messages.Add(1)
			s.hub.broadcast(protocol.Chat(sess.Username, msg.Body), sess.Addr)
			if err := sess.send(protocol.Ack()); err != nil {
				sess.log.WithError(err).Info("ack failed, closing session")
				return
			}
		}
	}
}

// Evict kicks the session registered at addr. The target receives the
// kick notice before its connection is force-closed; everyone else gets a
// leave notice. Racing a natural disconnect is safe: whichever side
// removes the session first sends the single leave notice.
func (s *Server) Evict(addr, reason string) error {
	sess := s.hub.get(addr)
	if sess == nil {
		return ErrUnknownSession
	}
	s.evict(sess, reason)
	return nil
}

func (s *Server) evict(sess *Session, reason string) {
	if err := sess.send(protocol.Kicked(reason)); err != nil {
		sess.log.WithError(err).Debug("kick notice not delivered")
	}
	sess.close()
	if removed := s.hub.remove(sess.Addr); removed != nil {
		removed.log.WithField("reason", reason).Info("session evicted")
		s.hub.broadcast(protocol.Leave(removed.Username), "")
	}
}

// EvictAll kicks a snapshot of the current registry, leaving it empty.
func (s *Server) EvictAll(reason string) {
	for _, sess := range s.hub.snapshot() {
		s.evict(sess, reason)
	}
}

// Sessions lists the admitted sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	return s.hub.listing()
}

// Stats reports the connected-session count and total relayed chat
// messages.
func (s *Server) Stats() Stats {
	return s.hub.stats()
}
