package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/executor"
	"github.com/shynome/nearbyrtc/signaler"
)

// Messenger delivers frames to other messengers of the same Hub.
type Messenger struct {
	id  string
	hub *Hub

	mu         sync.Mutex
	inbox      *executor.SingleThread
	onMessage  func([]byte)
	onComplete func(error)
}

var _ signaler.Messenger = (*Messenger)(nil)

func (m *Messenger) SendMessage(ctx context.Context, peerID string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote := m.hub.Find(peerID)
	if remote == nil {
		return fmt.Errorf("%w. peer: %s", signaler.ErrPeerNotFound, peerID)
	}
	if !remote.deliver(append([]byte(nil), message...)) {
		return fmt.Errorf("%w. peer: %s", signaler.ErrPeerNotFound, peerID)
	}
	return nil
}

func (m *Messenger) deliver(message []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox == nil {
		return false
	}
	onMessage := m.onMessage
	return m.inbox.Execute(func() { onMessage(message) })
}

func (m *Messenger) StartReceivingMessages(onMessage func([]byte), onComplete func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox != nil {
		return signaler.ErrAlreadyReceiving
	}
	m.inbox = executor.NewSingleThread("local-inbox", m.hub.logger)
	m.onMessage = onMessage
	m.onComplete = onComplete
	m.hub.Register(m.id, m)
	return nil
}

func (m *Messenger) StopReceivingMessages() {
	m.stop()
}

func (m *Messenger) stop() (onComplete func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox == nil {
		return nil
	}
	m.hub.unregister(m.id, m)
	m.inbox.Stop()
	m.inbox = nil
	onComplete = m.onComplete
	m.onMessage, m.onComplete = nil, nil
	return
}

type Hub struct {
	pool  map[string]*Messenger
	poolL *sync.RWMutex

	logger zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		pool:   make(map[string]*Messenger),
		poolL:  &sync.RWMutex{},
		logger: zerolog.Nop(),
	}
}

// Messenger is a signaler.Factory.
func (hub *Hub) Messenger(selfID string) (signaler.Messenger, error) {
	if selfID == "" {
		return nil, fmt.Errorf("local messenger needs an id")
	}
	return &Messenger{id: selfID, hub: hub}, nil
}

func (hub *Hub) Register(id string, m *Messenger) {
	if id == "" || m == nil {
		return
	}
	hub.poolL.Lock()
	defer hub.poolL.Unlock()
	hub.pool[id] = m
}

func (hub *Hub) unregister(id string, m *Messenger) {
	hub.poolL.Lock()
	defer hub.poolL.Unlock()
	if hub.pool[id] == m {
		delete(hub.pool, id)
	}
}

func (hub *Hub) Find(id string) *Messenger {
	hub.poolL.RLock()
	defer hub.poolL.RUnlock()
	return hub.pool[id]
}

// Drop ends the receive stream of id as if the transport failed.
func (hub *Hub) Drop(id string, cause error) bool {
	m := hub.Find(id)
	if m == nil {
		return false
	}
	if onComplete := m.stop(); onComplete != nil {
		go onComplete(cause)
	}
	return true
}
