package nearbyrtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/shynome/nearbyrtc/frames"
	"github.com/shynome/nearbyrtc/internal/future"
	"github.com/shynome/nearbyrtc/signaler"
	"github.com/shynome/nearbyrtc/socket"
)

// Connect pokes peerID and waits for the data channel it offers us. The
// wait is bounded by the configured data channel timeout and by ctx.
func (w *WebRTC) Connect(ctx context.Context, peerID PeerID) (s *socket.Socket, err error) {
	logger := w.logger.With().Str("peer", peerID.String()).Logger()
	if !w.IsAvailable() {
		logger.Warn().Msg("cannot connect, webrtc is not available")
		return nil, ErrUnavailable
	}
	if !peerID.IsValid() {
		return nil, fmt.Errorf("nearbyrtc: invalid peer id")
	}

	// one deadline covers the poke and the wait for the data channel
	ctx, cancel := context.WithTimeout(ctx, w.cfg.DataChannelTimeout)
	defer cancel()

	result, err := w.startConnecting(peerID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to start connecting")
		return nil, err
	}
	gen := result.generation

	// the lock stays free while poking and waiting so signaling can progress
	poke := frames.EncodeReadyForSignalingPoke(result.selfID.String())
	if err = result.messenger.SendMessage(ctx, peerID.String(), poke); err != nil {
		err = fmt.Errorf("poke peer: %w", err)
	} else {
		s, err = result.socketFuture.Wait(ctx)
	}
	switch {
	case errors.Is(err, future.ErrTimeout):
		err = ErrDataChannelTimeout
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", ErrDataChannelTimeout, err)
	}
	if err == nil {
		// the handshake is over, the record lives on with the socket
		w.mu.Lock()
		if info := w.lookup(gen); info != nil {
			w.shutdownSignaling(info)
			w.detach(info)
		}
		w.mu.Unlock()
		logger.Info().Msg("connected")
		return s, nil
	}

	result.socketFuture.SetErr(err)
	w.mu.Lock()
	if info := w.lookup(gen); info != nil {
		w.disconnectLocked(info, "connect failed: "+err.Error())
	}
	w.mu.Unlock()
	logger.Warn().Err(err).Msg("failed to connect")
	return nil, err
}

// connectAttempt is what Connect needs from its record once the lock is
// released.
type connectAttempt struct {
	generation   uint64
	selfID       PeerID
	messenger    signaler.Messenger
	socketFuture *future.Future[*socket.Socket]
}

// startConnecting registers the record for peerID with its flow and
// receive stream in place, so the offer the poke triggers finds them.
func (w *WebRTC) startConnecting(peerID PeerID) (*connectAttempt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := peerID.String()
	if w.connecting[key] != nil {
		return nil, ErrAlreadyConnecting
	}

	info := w.newInfo(RoleAnswerer, key)
	info.selfID = PeerIDFromRandom()
	info.peerID = peerID
	info.socketFuture = future.New[*socket.Socket]()

	var err error
	if info.flow, err = w.createFlow(info); err != nil {
		w.disconnectLocked(info, "failed to create connection flow")
		return nil, err
	}

	messenger, err := w.medium.SignalingMessenger(info.selfID.String())
	if err != nil {
		w.disconnectLocked(info, "no signaling messenger")
		return nil, err
	}
	info.messenger = messenger

	if err := w.startReceiving(info); err != nil {
		w.disconnectLocked(info, "failed to start receiving signaling messages")
		return nil, err
	}
	return &connectAttempt{
		generation:   info.generation,
		selfID:       info.selfID,
		messenger:    messenger,
		socketFuture: info.socketFuture,
	}, nil
}
