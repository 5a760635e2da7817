// Package ws relays signaling frames between peers over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/logging"
)

const (
	typeReady = "ready"
	typeFrame = "frame"

	writeWait = 5 * time.Second
	sendQueue = 32
)

var ErrBackpressure = errors.New("ws: send queue is full")

type envelope struct {
	Type string `json:"type"`
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Data []byte `json:"data,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

func (c *wsConn) TrySend(b []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writePump(logger zerolog.Logger) {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

// Server routes frames between websocket clients connected with ?id=<peer>.
type Server struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*wsConn
}

func NewServer(logger zerolog.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.Module(logger, "ws-relay"),
		peers:  make(map[string]*wsConn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	c := newWSConn(conn)
	s.register(id, c)
	defer s.unregister(id, c)

	logger := s.logger.With().Str("id", id).Logger()
	go c.writePump(logger)

	ready, _ := json.Marshal(envelope{Type: typeReady})
	if err := c.TrySend(ready); err != nil {
		c.Close()
		return
	}
	s.readPump(r.Context(), id, c, logger)
}

func (s *Server) register(id string, c *wsConn) {
	s.mu.Lock()
	old := s.peers[id]
	s.peers[id] = c
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *Server) unregister(id string, c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[id] == c {
		delete(s.peers, id)
	}
}

// Disconnect drops the connection of id. The client sees its receive stream end.
func (s *Server) Disconnect(id string) bool {
	c := s.find(id)
	if c == nil {
		return false
	}
	c.Close()
	return true
}

func (s *Server) find(id string) *wsConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

func (s *Server) readPump(ctx context.Context, id string, c *wsConn, logger zerolog.Logger) {
	defer func() {
		logger.Debug().Msg("readPump closing")
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("readPump read error")
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != typeFrame {
			logger.Warn().Err(err).Msg("bad envelope")
			continue
		}
		to := s.find(env.To)
		if to == nil {
			logger.Warn().Str("to", env.To).Msg("recipient not connected, frame dropped")
			continue
		}
		env.From = id
		out, _ := json.Marshal(env)
		if err := to.TrySend(out); err != nil {
			logger.Warn().Err(err).Str("to", env.To).Msg("frame dropped")
		}
	}
}
