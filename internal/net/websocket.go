package net

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway accepts websocket clients and hands them to the Server as
// ordinary sessions. One binary message carries one frame.
type Gateway struct {
	srv      *Server
	http     *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewGateway(srv *Server, bindAddr, path string, log *zap.Logger) (*Gateway, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		srv:      srv,
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, g.handle)
	g.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return g, nil
}

// Serve runs until Shutdown.
func (g *Gateway) Serve() {
	if err := g.http.Serve(g.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		g.log.Error("websocket gateway stopped", zap.Error(err))
	}
}

func (g *Gateway) Shutdown() {
	g.http.Close()
}

func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

func (g *Gateway) handle(rw http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxFrame)
	g.srv.adopt(&wsConn{conn: conn}, "websocket")
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	for {
		if timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read websocket frame: %w", err)
		}
		if typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
