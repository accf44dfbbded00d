package net

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Server accepts TCP connections and creates Sessions. The websocket
// Gateway feeds the same channels. New/dead sessions are communicated to
// the game loop via channels.
type Server struct {
	listener net.Listener
	nextID   atomic.Uint64
	newConns chan *Session
	deadCh   chan uint64 // session IDs of dead sessions
	codec    *Codec
	cfg      SessionConfig
	log      *zap.Logger
	closeCh  chan struct{}
}

func NewServer(bindAddr string, cfg SessionConfig, codec *Codec, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		newConns: make(chan *Session, 64),
		deadCh:   make(chan uint64, 64),
		codec:    codec,
		cfg:      cfg,
		log:      log,
		closeCh:  make(chan struct{}),
	}
	return s, nil
}

// AcceptLoop runs in its own goroutine. It accepts connections and hands
// them to adopt.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return // server shutting down
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		s.adopt(tcpConn{conn}, "tcp")
	}
}

// adopt wraps conn in a Session, starts it and queues it for the game loop.
func (s *Server) adopt(conn transport, kind string) *Session {
	id := s.nextID.Add(1)
	sess := newSession(conn, id, s.codec, s.cfg, s.log)
	sess.Start()

	s.log.Info("client connected",
		zap.Uint64("session", id),
		zap.String("ip", sess.IP),
		zap.String("transport", kind),
	)

	select {
	case s.newConns <- sess:
	default:
		s.log.Warn("connection queue full, rejecting", zap.Uint64("session", id))
		sess.Close()
	}
	return sess
}

// NewSessions returns the channel of newly connected sessions.
func (s *Server) NewSessions() <-chan *Session {
	return s.newConns
}

// NotifyDead reports a dead session ID to the game loop.
func (s *Server) NotifyDead(sessionID uint64) {
	select {
	case s.deadCh <- sessionID:
	default:
	}
}

// DeadSessions returns the channel of dead session IDs.
func (s *Server) DeadSessions() <-chan uint64 {
	return s.deadCh
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	close(s.closeCh)
	s.listener.Close()
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

type tcpConn struct {
	net.Conn
}

func (c tcpConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.SetReadDeadline(time.Now().Add(timeout))
	}
	return ReadFrame(c.Conn)
}

func (c tcpConn) WriteFrame(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return WriteFrame(c.Conn, data)
}

func (c tcpConn) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}
