package net

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/master"
	"github.com/cellview/server/internal/net/packet"
)

var ErrNoSession = errors.New("no such session")

// Hub is the set of live sessions. It delivers view notifications to
// sessions by id and answers whether a session is still connected.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	log      *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{sessions: make(map[uint64]*Session), log: log}
}

func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
}

func (h *Hub) Remove(id uint64) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		h.log.Debug("session removed", zap.Uint64("session", id))
	}
}

func (h *Hub) Get(id uint64) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ForEach calls fn for every session in id order. fn may add or remove
// sessions.
func (h *Hub) ForEach(fn func(*Session)) {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	for _, s := range list {
		fn(s)
	}
}

// Send encodes n and buffers it on the session.
func (h *Hub) Send(sessionID uint64, n master.Notification) error {
	s := h.Get(sessionID)
	if s == nil || s.IsClosed() {
		return fmt.Errorf("send %s to %d: %w", n, sessionID, ErrNoSession)
	}
	data, err := packet.EncodeNotification(n)
	if err != nil {
		return err
	}
	s.Send(data)
	return nil
}

func (h *Hub) IsConnected(sessionID uint64) bool {
	s := h.Get(sessionID)
	return s != nil && !s.IsClosed()
}
