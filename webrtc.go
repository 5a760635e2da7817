package nearbyrtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/config"
	"github.com/shynome/nearbyrtc/flow"
	"github.com/shynome/nearbyrtc/internal/executor"
	"github.com/shynome/nearbyrtc/internal/future"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/signaler"
	"github.com/shynome/nearbyrtc/socket"
)

var (
	ErrUnavailable        = errors.New("nearbyrtc: webrtc is not available")
	ErrAlreadyConnecting  = errors.New("nearbyrtc: already connecting to peer")
	ErrDataChannelTimeout = errors.New("nearbyrtc: data channel did not open in time")
	ErrSignalingFailed    = errors.New("nearbyrtc: signaling failed")
	ErrDisconnected       = errors.New("nearbyrtc: connection was torn down")
)

// Role tells which side of the offer/answer exchange a connection plays.
// Accepting connections make offers, connecting ones answer them.
type Role int

const (
	RoleOfferer Role = iota + 1
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	}
	return "unknown"
}

// Medium is what the orchestrator needs from the platform.
type Medium interface {
	flow.PeerConnectionFactory
	IsValid() bool
	SignalingMessenger(selfID string) (signaler.Messenger, error)
}

type AcceptedConnectionCallback func(serviceID string, s *socket.Socket)

// connectionInfo is the state of one logical connection. Accepting
// connections are keyed by service id, outgoing ones by remote peer id.
type connectionInfo struct {
	role       Role
	key        string
	generation uint64

	selfID    PeerID
	peerID    PeerID
	messenger signaler.Messenger
	flow      *flow.Flow
	socket    *socket.Socket

	pendingOffer      []byte
	pendingCandidates []webrtc.ICECandidateInit

	// offerer only
	accepting    bool
	accepted     AcceptedConnectionCallback
	restartAlarm *executor.Alarm
	restarts     int

	// answerer only
	socketFuture *future.Future[*socket.Socket]
}

func (info *connectionInfo) isSignaling() bool {
	return info.messenger != nil && info.selfID.IsValid() && info.peerID.IsValid()
}

// WebRTC coordinates signaling and connection flows for any number of
// accepting services and outgoing connections.
type WebRTC struct {
	medium Medium
	cfg    *config.Config
	logger zerolog.Logger

	offload *executor.SingleThread
	alarms  *executor.Scheduled

	mu         sync.Mutex
	closed     bool
	generation uint64
	live       map[uint64]*connectionInfo
	accepting  map[string]*connectionInfo
	connecting map[string]*connectionInfo
}

func New(m Medium, cfg *config.Config, logger zerolog.Logger) *WebRTC {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.Module(logger, "webrtc")
	return &WebRTC{
		medium:     m,
		cfg:        cfg,
		logger:     logger,
		offload:    executor.NewSingleThread("offload", logger),
		alarms:     executor.NewScheduled(),
		live:       make(map[uint64]*connectionInfo),
		accepting:  make(map[string]*connectionInfo),
		connecting: make(map[string]*connectionInfo),
	}
}

func (w *WebRTC) IsAvailable() bool {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	return !closed && w.medium != nil && w.medium.IsValid()
}

// Close drains pending callbacks, then tears down every connection.
func (w *WebRTC) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.alarms.Shutdown()
	w.offload.Shutdown()

	w.mu.Lock()
	defer w.mu.Unlock()
	gens := make([]uint64, 0, len(w.live))
	for gen := range w.live {
		gens = append(gens, gen)
	}
	for _, gen := range gens {
		if info := w.live[gen]; info != nil {
			w.disconnectLocked(info, "shutting down")
		}
	}
}

// Disconnect tears down the connection for key. Unknown keys are ignored.
func (w *WebRTC) Disconnect(role Role, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if info := w.records(role)[key]; info != nil {
		w.disconnectLocked(info, "disconnect requested")
	}
}

func (w *WebRTC) records(role Role) map[string]*connectionInfo {
	if role == RoleOfferer {
		return w.accepting
	}
	return w.connecting
}

// newInfo registers a fresh record under key.
func (w *WebRTC) newInfo(role Role, key string) *connectionInfo {
	w.generation++
	info := &connectionInfo{role: role, key: key, generation: w.generation}
	w.live[info.generation] = info
	w.records(role)[key] = info
	return info
}

// lookup returns the record a callback was created for, or nil once that
// record was torn down.
func (w *WebRTC) lookup(generation uint64) *connectionInfo {
	return w.live[generation]
}

// detach frees the key of info while the record itself lives on.
func (w *WebRTC) detach(info *connectionInfo) {
	if m := w.records(info.role); m[info.key] == info {
		delete(m, info.key)
	}
}

func (w *WebRTC) infoLogger(info *connectionInfo) *zerolog.Logger {
	l := w.logger.With().
		Str("role", info.role.String()).
		Str("key", info.key).
		Logger()
	return &l
}

// shutdownSignaling stops the message stream and drops everything only
// needed during the handshake. An established socket keeps its flow.
func (w *WebRTC) shutdownSignaling(info *connectionInfo) {
	info.accepting = false
	info.pendingOffer = nil
	info.pendingCandidates = nil
	info.restartAlarm.Cancel()
	info.restartAlarm = nil
	if info.messenger != nil {
		info.messenger.StopReceivingMessages()
		info.messenger = nil
	}
	if info.socket == nil && info.flow != nil {
		info.flow.Close()
		info.flow = nil
	}
}

func (w *WebRTC) disconnectLocked(info *connectionInfo, reason string) {
	w.infoLogger(info).Warn().Str("reason", reason).Msg("disconnecting")
	w.shutdownSignaling(info)
	if info.socket != nil {
		info.socket.Close()
		info.socket = nil
	}
	if info.flow != nil {
		info.flow.Close()
		info.flow = nil
	}
	if info.socketFuture != nil {
		info.socketFuture.SetErr(ErrDisconnected)
	}
	delete(w.live, info.generation)
	w.detach(info)
}

// offloadTask runs task on the orchestrator's executor with the record it
// was created for, locked.
func (w *WebRTC) offloadTask(role Role, key string, generation uint64, task func(info *connectionInfo)) {
	w.offload.Execute(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		info := w.lookup(generation)
		if info == nil {
			w.logger.Debug().Str("role", role.String()).Str("key", key).Msg("dropping callback for a stale connection")
			return
		}
		task(info)
	})
}

func (w *WebRTC) flowOptions() flow.Options {
	return flow.Options{
		PeerConnectionTimeout:     w.cfg.PeerConnectionTimeout,
		SessionDescriptionTimeout: w.cfg.SessionDescriptionTimeout,
		Logger:                    w.logger,
	}
}

func (w *WebRTC) createFlow(info *connectionInfo) (*flow.Flow, error) {
	role, key, gen := info.role, info.key, info.generation
	return flow.Create(w.medium,
		flow.LocalIceCandidateListener{
			OnLocalIceCandidate: func(c webrtc.ICECandidateInit) {
				w.offloadTask(role, key, gen, func(info *connectionInfo) {
					w.onLocalIceCandidate(info, c)
				})
			},
		},
		flow.DataChannelListener{
			OnDataChannelOpen: func(s *socket.Socket) {
				w.offload.Execute(func() { w.onDataChannelOpen(role, key, gen, s) })
			},
			OnDataChannelClosed: func() {
				w.offloadTask(role, key, gen, func(info *connectionInfo) {
					w.disconnectLocked(info, "data channel closed")
				})
			},
			OnMessageReceived: func(n int) {
				w.offloadTask(role, key, gen, func(info *connectionInfo) {
					w.onEarlyTraffic(info, "data channel message")
				})
			},
			OnBufferedAmountChanged: func() {
				w.offloadTask(role, key, gen, func(info *connectionInfo) {
					w.onEarlyTraffic(info, "buffered amount change")
				})
			},
		},
		w.flowOptions(),
	)
}

// onEarlyTraffic handles data channel activity seen before the socket was
// handed out. Data can only flow once both descriptions are applied, so
// activity while the handshake is still running means a broken peer. After
// that the socket handover is merely still queued. Called with w.mu held.
func (w *WebRTC) onEarlyTraffic(info *connectionInfo, what string) {
	if info.socket != nil {
		return
	}
	if info.flow == nil || !info.flow.State().PastHandshake() {
		w.disconnectLocked(info, what+" before the handshake finished")
		return
	}
	w.infoLogger(info).Debug().Str("event", what).Msg("data channel activity before the socket was handed out")
}

func (w *WebRTC) onDataChannelOpen(role Role, key string, gen uint64, s *socket.Socket) {
	w.mu.Lock()
	info := w.lookup(gen)
	if info == nil {
		w.mu.Unlock()
		w.logger.Info().Str("role", role.String()).Str("key", key).Msg("closing data channel nobody is waiting for")
		s.Close()
		return
	}
	info.socket = s
	w.infoLogger(info).Info().Str("peer", info.peerID.String()).Msg("data channel open")

	if info.role == RoleAnswerer {
		if !info.socketFuture.Set(s) {
			w.disconnectLocked(info, "data channel opened after the connect attempt ended")
		}
		w.mu.Unlock()
		return
	}
	accepted := info.accepted
	w.mu.Unlock()
	if accepted != nil {
		accepted(key, s)
	}
}

func (w *WebRTC) send(info *connectionInfo, message []byte) error {
	if info.messenger == nil {
		return signaler.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DataChannelTimeout)
	defer cancel()
	return info.messenger.SendMessage(ctx, info.peerID.String(), message)
}
