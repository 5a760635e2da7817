package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/signaler"
)

// Messenger is the client side of Server.
type Messenger struct {
	id       string
	endpoint string
	dialer   *websocket.Dialer
	logger   zerolog.Logger

	mu         sync.Mutex
	conn       *wsConn
	onMessage  func([]byte)
	onComplete func(error)
}

var _ signaler.Messenger = (*Messenger)(nil)

func NewMessenger(id string, endpoint string, logger zerolog.Logger) (*Messenger, error) {
	if id == "" {
		return nil, fmt.Errorf("ws messenger needs an id")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, err
	}
	return &Messenger{
		id:       id,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logging.Module(logger, "ws").With().Str("id", id).Logger(),
	}, nil
}

func Factory(endpoint string, logger zerolog.Logger) signaler.Factory {
	return func(selfID string) (signaler.Messenger, error) {
		return NewMessenger(selfID, endpoint, logger)
	}
}

// dial opens the relay connection and waits until the relay has
// registered it.
func (m *Messenger) dial(ctx context.Context) (c *wsConn, err error) {
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("id", m.id)
	u.RawQuery = q.Encode()

	conn, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var ready envelope
	if err = conn.ReadJSON(&ready); err != nil || ready.Type != typeReady {
		conn.Close()
		return nil, fmt.Errorf("relay handshake failed: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	c = newWSConn(conn)
	go c.writePump(m.logger)
	go m.readPump(c)
	return c, nil
}

func (m *Messenger) ensureConn(ctx context.Context) (*wsConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	c, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.conn = c
	return c, nil
}

func (m *Messenger) SendMessage(ctx context.Context, peerID string, message []byte) error {
	c, err := m.ensureConn(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Type: typeFrame, To: peerID, Data: message})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Messenger) StartReceivingMessages(onMessage func([]byte), onComplete func(error)) error {
	m.mu.Lock()
	if m.onMessage != nil {
		m.mu.Unlock()
		return signaler.ErrAlreadyReceiving
	}
	m.onMessage = onMessage
	m.onComplete = onComplete
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.ensureConn(ctx); err != nil {
		m.mu.Lock()
		m.onMessage, m.onComplete = nil, nil
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Messenger) StopReceivingMessages() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.onMessage, m.onComplete = nil, nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (m *Messenger) readPump(c *wsConn) {
	var err error
	defer func() {
		c.Close()
		m.mu.Lock()
		var onComplete func(error)
		if m.conn == c {
			m.conn = nil
			onComplete = m.onComplete
			m.onMessage, m.onComplete = nil, nil
		}
		m.mu.Unlock()
		if onComplete != nil {
			onComplete(err)
		}
	}()
	for {
		var data []byte
		if _, data, err = c.conn.ReadMessage(); err != nil {
			return
		}
		var env envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil || env.Type != typeFrame {
			m.logger.Warn().Err(jerr).Msg("bad envelope")
			continue
		}
		m.mu.Lock()
		onMessage := m.onMessage
		m.mu.Unlock()
		if onMessage != nil {
			onMessage(env.Data)
		}
	}
}
