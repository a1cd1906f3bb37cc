// Package client implements the relay client: one connection with its
// identity, a send path with a debounced typing-presence signal, and a
// background receive loop that classifies inbound messages into events for
// the consuming application (a UI, a bot, a test).
package client

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// State is the client connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

var (
	// ErrNotConnected is returned by Send and the typing methods when no
	// connection is up.
	ErrNotConnected = errors.New("client: not connected")
	// ErrInvalidUsername rejects empty or placeholder usernames before
	// dialing.
	ErrInvalidUsername = errors.New("client: username is empty or a placeholder")
	// ErrInvalidMessage rejects empty or multi-line chat text.
	ErrInvalidMessage = errors.New("client: message must be a single non-empty line")
	// ErrHandshake wraps failures between transport connect and
	// admission.
	ErrHandshake = errors.New("client: handshake did not complete")
)

// usernamePlaceholder matches the unedited hint text of the legacy client
// UI so ports of it keep failing the same way.
const usernamePlaceholder = "tu nombre"

type options struct {
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	typingIdle       time.Duration
	kickGrace        time.Duration
	eventBuffer      int
}

func defaultOptions() options {
	return options{
		dialTimeout:      10 * time.Second,
		handshakeTimeout: 10 * time.Second,
		typingIdle:       3 * time.Second,
		kickGrace:        2 * time.Second,
		eventBuffer:      64,
	}
}

// Option adjusts client behavior.
type Option func(*options)

// WithDialTimeout bounds the transport connect.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithHandshakeTimeout bounds the wait for the server's identity request.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithTypingIdle sets the keystroke inactivity window after which a
// typing-stop signal is sent.
func WithTypingIdle(d time.Duration) Option {
	return func(o *options) { o.typingIdle = d }
}

// WithKickGrace sets how long after a kick notice the client waits before
// disconnecting itself.
func WithKickGrace(d time.Duration) Option {
	return func(o *options) { o.kickGrace = d }
}

// Client is one relay connection. Exactly two paths touch it
// concurrently: the caller (Send, Keystroke, InputCleared, Close) and the
// background receive loop; the mutex covers both plus the debounce timer
// callback.
type Client struct {
	username string
	opts     options
	log      *log.Entry

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu           sync.Mutex
	state        State
	conn         protocol.Conn
	typingTimer  *time.Timer
	typingGen    uint64
	typingSent   bool
	remoteTyping map[string]struct{}
	kicked       bool
	closed       bool
}

// Dial connects to target, performs the identity handshake, and starts the
// receive loop. A target with a ws:// or wss:// scheme uses the WebSocket
// transport; anything else is dialed as host:port TCP.
func Dial(target, username string, opts ...Option) (*Client, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.EqualFold(username, usernamePlaceholder) {
		return nil, ErrInvalidUsername
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		username:     username,
		opts:         o,
		log:          log.WithFields(log.Fields{"component": "client", "user": username}),
		events:       make(chan Event, o.eventBuffer),
		done:         make(chan struct{}),
		state:        StateConnecting,
		remoteTyping: make(map[string]struct{}),
	}

	conn, err := dialTransport(target, o.dialTimeout)
	if err != nil {
		c.state = StateDisconnected
		return nil, fmt.Errorf("client: connect %q: %w", target, err)
	}
	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		c.state = StateDisconnected
		return nil, err
	}

	c.conn = conn
	c.state = StateConnected
	c.log.WithField("target", target).Info("connected")

	go c.receiveLoop()
	return c, nil
}

func dialTransport(target string, timeout time.Duration) (protocol.Conn, error) {
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		ws, _, err := dialer.Dial(target, nil)
		if err != nil {
			return nil, err
		}
		return protocol.NewWebSocketConn(ws), nil
	}

	netConn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return nil, err
	}
	return protocol.NewTCPConn(netConn), nil
}

// handshake waits for the server's identity request and replies with the
// chosen username.
func (c *Client) handshake(conn protocol.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.handshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	greeting, err := conn.ReadLine()
	if err != nil {
		if protocol.IsTimeout(err) {
			return fmt.Errorf("%w: no identity request within %v", ErrHandshake, c.opts.handshakeTimeout)
		}
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if protocol.ParseServer(greeting).Kind != protocol.KindIdentityRequest {
		return fmt.Errorf("%w: unexpected greeting %q", ErrHandshake, greeting)
	}

	if err := conn.WriteLine(c.username); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return conn.SetReadDeadline(time.Time{})
}

// Events is the consumer-facing stream. A consumer that stops draining it
// loses events rather than stalling the receive loop; the channel is never
// closed, watch Done for termination.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the client has disconnected for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Username returns the identity this client connected with.
func (c *Client) Username() string { return c.username }

// Send writes one chat message. Any outstanding typing signal is stopped
// first. The text is echoed to the consumer immediately; the server's ack
// is consumed silently by the receive loop.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, "\r\n") {
		return ErrInvalidMessage
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.stopTypingLocked()
	err := c.conn.WriteLine(text)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	c.emit(Event{Kind: EventSent, Username: c.username, Text: text})
	return nil
}

// Keystroke records one local keystroke of a non-empty composition. The
// first keystroke after an idle period sends a typing-start signal; every
// keystroke reschedules the single inactivity timer whose expiry sends
// typing-stop. Timers are cancel-then-reschedule, never stacked.
func (c *Client) Keystroke() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return ErrNotConnected
	}

	if !c.typingSent {
		if err := c.conn.WriteLine(protocol.TypingStart(c.username).Encode()); err != nil {
			// The receive loop will notice the dead connection; the
			// signal just stays unsent.
			c.log.WithError(err).Debug("typing-start not delivered")
			return nil
		}
		c.typingSent = true
	}

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	// Stop can lose to a timer that already fired and is waiting on the
	// mutex; the generation check in typingExpired keeps that stale
	// callback from acting on the timer scheduled here.
	c.typingGen++
	gen := c.typingGen
	c.typingTimer = time.AfterFunc(c.opts.typingIdle, func() { c.typingExpired(gen) })
	return nil
}

// InputCleared reports that the composed text became empty; an outstanding
// typing signal is stopped immediately, bypassing the debounce window.
func (c *Client) InputCleared() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return ErrNotConnected
	}
	c.stopTypingLocked()
	return nil
}

func (c *Client) typingExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.typingGen {
		// A newer keystroke replaced the timer this callback belongs to.
		return
	}
	c.typingTimer = nil
	c.stopTypingLocked()
}

// stopTypingLocked cancels the debounce timer and, when a typing signal is
// outstanding on a live connection, sends typing-stop. Callers hold c.mu.
func (c *Client) stopTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if !c.typingSent {
		return
	}
	c.typingSent = false
	if c.state != StateConnected {
		return
	}
	if err := c.conn.WriteLine(protocol.TypingStop(c.username).Encode()); err != nil {
		c.log.WithError(err).Debug("typing-stop not delivered")
	}
}

// TypingUsers returns a sorted snapshot of the users the server currently
// reports as composing.
func (c *Client) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.remoteTyping))
	for user := range c.remoteTyping {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Close disconnects. It best-effort stops an outstanding typing signal,
// closes the transport, and clears typing state. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTypingLocked()
	c.state = StateDisconnected
	c.remoteTyping = make(map[string]struct{})
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Client) receiveLoop() {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			c.connectionLost(err)
			return
		}
		if line == "" {
			continue
		}

		msg := protocol.ParseServer(line)
		switch msg.Kind {
		case protocol.KindAck:
			// Delivery confirmation; nothing for the consumer.
		case protocol.KindChat:
			c.emit(Event{Kind: EventChat, Username: msg.Username, Text: msg.Body})
		case protocol.KindTypingStart:
			if msg.Username != c.username && c.markTyping(msg.Username, true) {
				c.emit(Event{Kind: EventTypingStarted, Username: msg.Username})
			}
		case protocol.KindTypingStop:
			if msg.Username != c.username && c.markTyping(msg.Username, false) {
				c.emit(Event{Kind: EventTypingStopped, Username: msg.Username})
			}
		case protocol.KindKicked:
			c.emit(Event{Kind: EventKicked, Text: msg.Body})
			c.scheduleKickShutdown()
			return
		case protocol.KindIdentityRequest:
			// A duplicate greeting after admission; ignore.
		default:
			c.emit(Event{Kind: EventNotice, Text: msg.Body})
		}
	}
}

// markTyping updates the remote-typing set and reports whether it changed.
func (c *Client) markTyping(username string, active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active {
		if _, ok := c.remoteTyping[username]; ok {
			return false
		}
		c.remoteTyping[username] = struct{}{}
		return true
	}
	if _, ok := c.remoteTyping[username]; !ok {
		return false
	}
	delete(c.remoteTyping, username)
	return true
}

// scheduleKickShutdown disconnects after the grace window instead of
// instantly, giving the consumer time to display the reason.
func (c *Client) scheduleKickShutdown() {
	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()
	c.log.Info("kicked by server, disconnecting after grace period")
	time.AfterFunc(c.opts.kickGrace, func() { _ = c.Close() })
}

// connectionLost handles a receive-loop exit that was not a deliberate
// Close or kick: the remote-typing state is cleared and the consumer is
// told connectivity is gone. There is no automatic reconnect.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	if c.closed || c.kicked {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingSent = false
	c.remoteTyping = make(map[string]struct{})
	conn := c.conn
	c.mu.Unlock()

	_ = conn.Close()
	if protocol.IsClosed(err) {
		c.log.Info("server closed the connection")
	} else {
		c.log.WithError(err).Warn("connection lost")
	}
	c.emit(Event{Kind: EventConnectionLost, Text: err.Error()})
	c.once.Do(func() { close(c.done) })
}

// emit delivers without blocking; a consumer that stopped draining loses
// the event.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.WithField("kind", ev.Kind).Warn("event buffer full, dropping event")
	}
}
