package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

// startRelay boots a relay on a loopback port and tears it down with the
// test. The admin listener stays off unless the test configures it.
func startRelay(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cfg := Config{Addr: "127.0.0.1:0"}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Stop("test finished") })
	return srv
}

// testPeer is a raw line-protocol client driven by the test.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// dialPeer connects and completes the identity handshake.
func dialPeer(t *testing.T, srv *Server, username string) *testPeer {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.Addr(), testWait)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &testPeer{t: t, conn: conn, r: bufio.NewReader(conn)}
	p.expect("NOMBRE_USUARIO")
	p.send(username)
	return p
}

func (p *testPeer) send(line string) {
	p.t.Helper()
	_, err := fmt.Fprintf(p.conn, "%s\n", line)
	require.NoError(p.t, err)
}

func (p *testPeer) readLine() string {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testWait)))
	line, err := p.r.ReadString('\n')
	require.NoError(p.t, err, "expected a line from the relay")
	return strings.TrimRight(line, "\r\n")
}

func (p *testPeer) expect(want string) {
	p.t.Helper()
	assert.Equal(p.t, want, p.readLine())
}

// expectSilence asserts nothing arrives for the window; only safe as the
// final read on a peer.
func (p *testPeer) expectSilence(window time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(window)))
	line, err := p.r.ReadString('\n')
	if err == nil {
		p.t.Fatalf("expected silence, got %q", strings.TrimRight(line, "\r\n"))
	}
	netErr, ok := err.(net.Error)
	require.True(p.t, ok, "unexpected non-network error: %v", err)
	require.True(p.t, netErr.Timeout(), "unexpected error while expecting silence: %v", err)
}

func waitForSessions(t *testing.T, srv *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.Stats().Connected == want
	}, testWait, 10*time.Millisecond)
}

func TestChatBroadcastAndAck(t *testing.T) {
	srv := startRelay(t, nil)

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	alice.send("hi")
	bob.expect("BROADCAST:alice: hi")
	alice.expect("MSG_OK")

	stats := srv.Stats()
	assert.Equal(t, uint64(1), stats.Messages)

	// The sender must never receive its own chat text back.
	alice.expectSilence(100 * time.Millisecond)
}

func TestJoinNoticeGoesToOthersOnly(t *testing.T) {
	srv := startRelay(t, nil)

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	waitForSessions(t, srv, 2)

	alice.expect("bob joined the chat")
	bob.expectSilence(100 * time.Millisecond)
}

func TestTypingSignalsRelayedVerbatim(t *testing.T) {
	srv := startRelay(t, nil)

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	alice.send("TYPING:alice")
	bob.expect("TYPING:alice")
	alice.send("STOP_TYPING:alice")
	bob.expect("STOP_TYPING:alice")

	// Presence is not chat: no ack, no counter.
	assert.Zero(t, srv.Stats().Messages)
	alice.expectSilence(100 * time.Millisecond)
}

func TestEmptyIdentityReplyFallsBackToPortName(t *testing.T) {
	srv := startRelay(t, nil)

	peer := dialPeer(t, srv, "")
	waitForSessions(t, srv, 1)

	_, port, err := net.SplitHostPort(peer.conn.LocalAddr().String())
	require.NoError(t, err)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Usuario_"+port, sessions[0].Username)
}

func TestHandshakeTimeoutDiscardsConnection(t *testing.T) {
	srv := startRelay(t, func(cfg *Config) {
		cfg.HandshakeTimeout = 150 * time.Millisecond
	})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "NOMBRE_USUARIO", strings.TrimRight(greeting, "\n"))

	// Never reply; the server must close the connection and move on.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	_, err = r.ReadString('\n')
	require.Error(t, err)
	assert.Zero(t, srv.Stats().Connected)

	// The failure is scoped to that connection: new clients still get in.
	dialPeer(t, srv, "late-but-fine")
	waitForSessions(t, srv, 1)
}

func TestAbruptDisconnectBroadcastsLeave(t *testing.T) {
	srv := startRelay(t, nil)

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	require.NoError(t, alice.conn.Close())

	bob.expect("alice left the chat")
	waitForSessions(t, srv, 1)
	bob.expectSilence(100 * time.Millisecond)
}

func TestEvictClosesRemovesAndNotifies(t *testing.T) {
	srv := startRelay(t, nil)

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	var bobAddr string
	for _, info := range srv.Sessions() {
		if info.Username == "bob" {
			bobAddr = info.Addr
		}
	}
	require.NotEmpty(t, bobAddr)

	require.NoError(t, srv.Evict(bobAddr, "be nice"))

	bob.expect("KICKED:be nice")
	alice.expect("bob left the chat")

	for _, info := range srv.Sessions() {
		assert.NotEqual(t, "bob", info.Username, "evicted session must leave the listing")
	}
	waitForSessions(t, srv, 1)

	// Exactly one leave notice, even though bob's connection also died.
	alice.expectSilence(150 * time.Millisecond)

	assert.ErrorIs(t, srv.Evict(bobAddr, "again"), ErrUnknownSession)
}

func TestEvictAllDrainsRegistry(t *testing.T) {
	srv := startRelay(t, nil)

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	srv.EvictAll("server closed by the operator")

	alice.expect("KICKED:server closed by the operator")
	bob.expect("KICKED:server closed by the operator")
	waitForSessions(t, srv, 0)
	assert.Empty(t, srv.Sessions())
}

func TestStopEvictsEveryoneWithShutdownReason(t *testing.T) {
	srv := startRelay(t, nil)

	peer := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)

	require.NoError(t, srv.Stop("server shutting down"))

	peer.expect("KICKED:server shutting down")
	assert.Zero(t, srv.Stats().Connected)
}

func TestRateLimitDropsExcessChat(t *testing.T) {
	srv := startRelay(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Minute}
	})

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	alice.send("one")
	alice.send("two")
	alice.send("three")

	bob.expect("BROADCAST:alice: one")
	bob.expect("BROADCAST:alice: two")
	alice.expect("MSG_OK")
	alice.expect("MSG_OK")

	// The third message is discarded: no broadcast, no ack.
	bob.expectSilence(150 * time.Millisecond)
	alice.expectSilence(150 * time.Millisecond)
	assert.Equal(t, uint64(2), srv.Stats().Messages)
}

func TestMaxSessionsRefusesAdmission(t *testing.T) {
	srv := startRelay(t, func(cfg *Config) {
		cfg.MaxSessions = 1
	})

	dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)

	late := dialPeer(t, srv, "bob")
	late.expect("server is full")
	assert.Equal(t, 1, srv.Stats().Connected)
}

func TestServerLifecycle(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})

	require.ErrorIs(t, srv.Serve(), ErrNotListening)
	require.NoError(t, srv.Listen())
	require.ErrorIs(t, srv.Listen(), ErrAlreadyRunning)

	go func() { _ = srv.Serve() }()

	// A successful handshake proves the accept loop is up.
	dialPeer(t, srv, "probe")
	waitForSessions(t, srv, 1)
	require.ErrorIs(t, srv.Serve(), ErrAlreadyRunning)

	require.NoError(t, srv.Stop("server shutting down"))
	require.NoError(t, srv.Stop("server shutting down"), "stopping twice is a no-op")
	require.ErrorIs(t, srv.Serve(), ErrStopped)
	require.ErrorIs(t, srv.Listen(), ErrStopped)
}

func TestIdlePeerStaysRegistered(t *testing.T) {
	srv := startRelay(t, func(cfg *Config) { cfg.IdleTimeout = 100 * time.Millisecond })

	alice := dialPeer(t, srv, "alice")
	waitForSessions(t, srv, 1)
	bob := dialPeer(t, srv, "bob")
	alice.expect("bob joined the chat")
	waitForSessions(t, srv, 2)

	// Stay silent across several idle windows.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 2, srv.Stats().Connected)

	// The silent peers still receive and still send; in particular no
	// leave notice was broadcast for either of them.
	bob.send("still here")
	alice.expect("BROADCAST:bob: still here")
	bob.expect("MSG_OK")
	alice.send("me too")
	bob.expect("BROADCAST:alice: me too")
	alice.expect("MSG_OK")
}
