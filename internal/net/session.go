package net

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/net/packet"
)

// transport carries whole frames. TCP and websocket connections both
// satisfy it.
type transport interface {
	ReadFrame(timeout time.Duration) ([]byte, error)
	WriteFrame(data []byte, timeout time.Duration) error
	RemoteAddr() string
	Close() error
}

// SessionConfig sizes a session's queues and timeouts.
type SessionConfig struct {
	InQueueSize   int
	OutQueueSize  int
	PacketsPerSec int // 0 = unlimited
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Session represents a single client connection. Network I/O runs in
// dedicated goroutines. Send may be called from any goroutine; revalidation
// workers deliver notifications concurrently.
type Session struct {
	ID   uint64
	conn transport

	codec *Codec
	cfg   SessionConfig
	state atomic.Int32 // packet.SessionState stored as int32

	InQueue  chan []byte // game loop reads packets from here
	OutQueue chan []byte // writer goroutine reads from here

	IP   string
	Name string // avatar name, set on hello (game loop only)

	mu     sync.Mutex
	outBuf [][]byte // buffered packets, flushed by OutputSystem

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Per-second packet rate limiter (readLoop goroutine only, no lock needed)
	pktCount   int   // packets received this second
	pktResetAt int64 // unix second of last counter reset

	log *zap.Logger
}

func newSession(conn transport, id uint64, codec *Codec, cfg SessionConfig, log *zap.Logger) *Session {
	s := &Session{
		ID:       id,
		conn:     conn,
		codec:    codec,
		cfg:      cfg,
		InQueue:  make(chan []byte, cfg.InQueueSize),
		OutQueue: make(chan []byte, cfg.OutQueueSize),
		IP:       conn.RemoteAddr(),
		closeCh:  make(chan struct{}),
		log:      log.With(zap.Uint64("session", id)),
	}
	s.state.Store(int32(packet.StateHandshake))
	return s
}

func (s *Session) State() packet.SessionState {
	return packet.SessionState(s.state.Load())
}

func (s *Session) SetState(st packet.SessionState) {
	s.state.Store(int32(st))
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a packet for sending. The packet is not written until
// FlushOutput is called.
func (s *Session) Send(data []byte) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.outBuf = append(s.outBuf, data)
	s.mu.Unlock()
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop goroutine.
// Non-blocking: if OutQueue is full, the session is disconnected (backpressure).
func (s *Session) FlushOutput() {
	s.mu.Lock()
	pending := s.outBuf
	s.outBuf = nil
	s.mu.Unlock()

	for _, data := range pending {
		select {
		case s.OutQueue <- data:
		default:
			s.log.Warn("output queue full, disconnecting slow client", zap.Int("pending", len(pending)))
			s.Close()
			return
		}
	}
}

// Close gracefully shuts down the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.SetState(packet.StateDisconnecting)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// readLoop reads frames, decodes them and pushes them onto InQueue for the
// game loop to consume.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		frame, err := s.conn.ReadFrame(s.cfg.ReadTimeout)
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}
		pkt, err := s.codec.Decode(frame)
		if err != nil {
			s.log.Warn("bad frame, disconnecting", zap.Error(err))
			return
		}

		if s.cfg.PacketsPerSec > 0 {
			now := time.Now().Unix()
			if now != s.pktResetAt {
				s.pktCount = 0
				s.pktResetAt = now
			}
			s.pktCount++
			if s.pktCount > s.cfg.PacketsPerSec {
				s.log.Warn("packet rate exceeded, disconnecting", zap.Int("pps", s.pktCount))
				return
			}
		}

		// Block until InQueue has space or session closes. Dropping a move
		// would leave the avatar's proximity stale.
		select {
		case s.InQueue <- pkt:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop reads packets from OutQueue, encodes them and writes them as
// frames.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.OutQueue:
			if !s.writeOnePacket(data) {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeOnePacket(data []byte) bool {
	if len(data) > 0 {
		s.log.Debug("TX",
			zap.String("op", fmt.Sprintf("0x%02X", data[0])),
			zap.Int("len", len(data)),
		)
	}
	if err := s.conn.WriteFrame(s.codec.Encode(data), s.cfg.WriteTimeout); err != nil {
		if !s.closed.Load() {
			s.log.Debug("write error", zap.Error(err))
		}
		return false
	}
	return true
}

// SessionID returns ID.
func (s *Session) SessionID() uint64 {
	return s.ID
}
