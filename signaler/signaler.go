package signaler

import (
	"context"
	"errors"
)

// Messenger carries opaque signaling frames between peers identified by id.
type Messenger interface {
	SendMessage(ctx context.Context, peerID string, message []byte) error
	// StartReceivingMessages delivers inbound frames in arrival order until
	// StopReceivingMessages. onComplete fires once when the receive stream
	// ends by itself, with nil on a clean end.
	StartReceivingMessages(onMessage func(message []byte), onComplete func(err error)) error
	StopReceivingMessages()
}

// Factory opens a messenger addressed as selfID.
type Factory func(selfID string) (Messenger, error)

var (
	ErrPeerNotFound     = errors.New("signaler: peer is not receiving messages")
	ErrAlreadyReceiving = errors.New("signaler: already receiving messages")
	ErrClosed           = errors.New("signaler: messenger is closed")
)
