package server

import (
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// hub is the authoritative registry of admitted sessions, keyed by remote
// address. One RWMutex guards every mutation and every full-table read so
// a broadcast can never iterate the map mid-mutation.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	messages atomic.Uint64
	log      *log.Entry
}

func newHub() *hub {
	return &hub{
		sessions: make(map[string]*Session),
		log:      log.WithField("component", "hub"),
	}
}

// add registers a session. It refuses duplicates on the same remote
// address and enforces maxSessions (0 = unlimited).
func (h *hub) add(s *Session, maxSessions int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[s.Addr]; exists {
		return false
	}
	if maxSessions > 0 && len(h.sessions) >= maxSessions {
		return false
	}
	h.sessions[s.Addr] = s
	return true
}

// remove deletes the session registered under addr and returns it, or nil
// when no such session exists. The present-check inside the lock makes
// removal idempotent under racing eviction and natural disconnect.
func (h *hub) remove(addr string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[addr]
	if !ok {
		return nil
	}
	delete(h.sessions, addr)
	return s
}

func (h *hub) get(addr string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[addr]
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// snapshot copies the current session set so callers can iterate without
// holding the registry lock.
func (h *hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// broadcast sends msg to every session except the one at excludeAddr
// (empty string excludes nobody). Sessions whose send fails are collected
// and dropped after the pass: a failed send means a dead peer, not an
// error the caller can act on.
func (h *hub) broadcast(msg protocol.Message, excludeAddr string) {
	var failed []*Session
	for _, s := range h.snapshot() {
		if s.Addr == excludeAddr {
			continue
		}
		if err := s.send(msg); err != nil {
			failed = append(failed, s)
		}
	}
	h.dropFailed(failed)
}

// dropFailed removes dead peers discovered during a broadcast. No leave
// notice is emitted here; the peer's own session loop broadcasts it if the
// session was still registered when the loop ended.
func (h *hub) dropFailed(failed []*Session) {
	for _, s := range failed {
		if removed := h.remove(s.Addr); removed != nil {
			removed.log.Warn("dropping unreachable session after failed broadcast send")
			removed.close()
		}
	}
}

// listing returns the admin view of the registry, ordered by join time.
func (h *hub) listing() []SessionInfo {
	sessions := h.snapshot()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:       s.ID,
			Addr:     s.Addr,
			Username: s.Username,
			JoinedAt: s.JoinedAt,
		})
	}
	return out
}

func (h *hub) stats() Stats {
	return Stats{
		Connected: h.len(),
		Messages:  h.messages.Load(),
	}
}
