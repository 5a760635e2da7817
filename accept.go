package nearbyrtc

import (
	"github.com/shynome/nearbyrtc/frames"
)

// StartAcceptingConnections makes selfID reachable for serviceID. It
// prepares an offer right away and sends it once a peer pokes us; cb
// receives the socket when the data channel opens.
func (w *WebRTC) StartAcceptingConnections(serviceID string, selfID PeerID, cb AcceptedConnectionCallback) bool {
	logger := w.logger.With().Str("service", serviceID).Logger()
	if !w.IsAvailable() {
		logger.Warn().Msg("cannot start accepting connections, webrtc is not available")
		return false
	}
	if !selfID.IsValid() {
		logger.Warn().Msg("cannot start accepting connections without a peer id")
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.accepting[serviceID] != nil {
		logger.Warn().Msg("already accepting connections")
		return false
	}

	info := w.newInfo(RoleOfferer, serviceID)
	info.selfID = selfID
	info.accepted = cb
	info.accepting = true

	messenger, err := w.medium.SignalingMessenger(selfID.String())
	if err != nil {
		w.disconnectLocked(info, "no signaling messenger: "+err.Error())
		return false
	}
	info.messenger = messenger

	if err := w.startReceiving(info); err != nil {
		w.disconnectLocked(info, "failed to start receiving signaling messages: "+err.Error())
		return false
	}

	if interval := w.cfg.RestartReceiveInterval; interval > 0 {
		gen := info.generation
		info.restartAlarm = w.alarms.SchedulePeriodic(func() {
			w.offloadTask(RoleOfferer, serviceID, gen, func(info *connectionInfo) {
				w.restartReceiving(info)
			})
		}, interval)
	}

	if info.flow, err = w.createFlow(info); err != nil {
		w.disconnectLocked(info, "failed to create connection flow: "+err.Error())
		return false
	}

	offer, err := info.flow.CreateOffer()
	if err != nil {
		w.disconnectLocked(info, "failed to create offer: "+err.Error())
		return false
	}
	info.pendingOffer = frames.EncodeOffer(selfID.String(), offer.SDP())
	if err := info.flow.SetLocalSessionDescription(offer); err != nil {
		w.disconnectLocked(info, "failed to set local offer: "+err.Error())
		return false
	}

	logger.Info().Str("self", selfID.String()).Msg("started accepting connections")
	return true
}

func (w *WebRTC) IsAcceptingConnections(serviceID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accepting[serviceID] != nil
}

// StopAcceptingConnections stops signaling for serviceID. A connection
// that already handed out its socket stays up until that socket closes,
// and serviceID is free to accept again right away.
func (w *WebRTC) StopAcceptingConnections(serviceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.accepting[serviceID]
	if info == nil {
		w.logger.Info().Str("service", serviceID).Msg("not accepting connections, nothing to stop")
		return
	}
	w.shutdownSignaling(info)
	if info.socket == nil {
		w.disconnectLocked(info, "stopped accepting connections")
		return
	}
	w.detach(info)
	w.logger.Info().Str("service", serviceID).Msg("stopped accepting connections")
}

func (w *WebRTC) startReceiving(info *connectionInfo) error {
	role, key, gen := info.role, info.key, info.generation
	return info.messenger.StartReceivingMessages(
		func(message []byte) {
			w.offloadTask(role, key, gen, func(info *connectionInfo) {
				w.processSignalingMessage(info, message)
			})
		},
		func(err error) {
			w.onReceiveComplete(role, key, gen, err)
		},
	)
}

func (w *WebRTC) onReceiveComplete(role Role, key string, gen uint64, err error) {
	if err == nil {
		return
	}
	w.logger.Warn().Err(err).Str("role", role.String()).Str("key", key).Msg("signaling receive stream failed")
	w.offloadTask(role, key, gen, func(info *connectionInfo) {
		if info.role == RoleAnswerer {
			info.socketFuture.SetErr(ErrSignalingFailed)
			return
		}
		if !info.accepting {
			return
		}
		if info.restarts >= w.cfg.RestartAcceptLimit {
			w.disconnectLocked(info, "signaling receive stream kept failing")
			return
		}
		info.restarts++
		w.restartReceiving(info)
	})
}

// restartReceiving re-registers the receive stream, which the signaling
// service may expire on its own.
func (w *WebRTC) restartReceiving(info *connectionInfo) {
	if !info.accepting || info.messenger == nil {
		w.infoLogger(info).Info().Msg("skipping receive restart, not accepting connections")
		return
	}
	info.messenger.StopReceivingMessages()
	if err := w.startReceiving(info); err != nil {
		w.disconnectLocked(info, "failed to restart receiving signaling messages: "+err.Error())
		return
	}
	w.infoLogger(info).Debug().Int("restarts", info.restarts).Msg("restarted receiving signaling messages")
}
