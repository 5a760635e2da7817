package flow

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/executor"
	"github.com/shynome/nearbyrtc/internal/future"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/medium"
	"github.com/shynome/nearbyrtc/socket"
)

var (
	ErrPeerConnectionTimeout     = errors.New("flow: timed out creating the peer connection")
	ErrPeerConnectionUnavailable = errors.New("flow: peer connection unavailable")
	ErrInvalidState              = errors.New("flow: invalid state")
	ErrInvalidDescription        = errors.New("flow: invalid session description")
	ErrClosed                    = errors.New("flow: closed")
	ErrTimeout                   = future.ErrTimeout
)

const dataChannelLabel = "dataChannel"

// PeerConnectionFactory builds peer connections asynchronously, calling
// back with nil on failure.
type PeerConnectionFactory interface {
	CreatePeerConnection(cb func(pc medium.PeerConnection))
}

type Options struct {
	PeerConnectionTimeout     time.Duration
	SessionDescriptionTimeout time.Duration
	Logger                    zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PeerConnectionTimeout <= 0 {
		o.PeerConnectionTimeout = 2500 * time.Millisecond
	}
	if o.SessionDescriptionTimeout <= 0 {
		o.SessionDescriptionTimeout = 250 * time.Millisecond
	}
	return o
}

// Flow drives one peer connection through offer, answer and ICE exchange
// up to an open data channel. Everything that touches the peer connection
// or the handshake state runs on the flow's own signaling loop.
type Flow struct {
	opts   Options
	logger zerolog.Logger

	loop  *executor.SingleThread
	alive atomic.Bool
	state atomic.Int32

	iceListener LocalIceCandidateListener
	dcListener  DataChannelListener

	mu     sync.Mutex
	pc     medium.PeerConnection
	socket *socket.Socket

	// signaling loop only
	cached []webrtc.ICECandidateInit
}

// Create blocks until factory has produced a peer connection, for at most
// opts.PeerConnectionTimeout.
func Create(factory PeerConnectionFactory, ice LocalIceCandidateListener, dc DataChannelListener, opts Options) (*Flow, error) {
	opts = opts.withDefaults()
	f := &Flow{
		opts:        opts,
		logger:      logging.Module(opts.Logger, "flow"),
		iceListener: ice,
		dcListener:  dc,
	}

	created := future.New[medium.PeerConnection]()
	factory.CreatePeerConnection(func(pc medium.PeerConnection) {
		if pc == nil {
			created.SetErr(ErrPeerConnectionUnavailable)
			return
		}
		if !created.Set(pc) {
			f.logger.Warn().Msg("peer connection arrived after the deadline, closing it")
			pc.Close()
		}
	})

	pc, err := created.Get(opts.PeerConnectionTimeout)
	if errors.Is(err, future.ErrTimeout) {
		if created.SetErr(ErrPeerConnectionTimeout) {
			err = ErrPeerConnectionTimeout
		} else {
			pc, err = created.Get(0)
		}
	}
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to create peer connection")
		return nil, err
	}

	f.pc = pc
	f.alive.Store(true)
	f.loop = executor.NewSingleThread("signaling", f.logger)
	f.observe(pc)
	return f, nil
}

func (f *Flow) State() State { return State(f.state.Load()) }

// PeerConnection returns nil once the flow is closed.
func (f *Flow) PeerConnection() medium.PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pc
}

func (f *Flow) observe(pc medium.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		f.post(func() {
			if cb := f.iceListener.OnLocalIceCandidate; cb != nil {
				cb(candidate)
			}
		})
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		f.post(func() {
			f.logger.Debug().Str("signaling", s.String()).Msg("signaling state changed")
			if s == webrtc.SignalingStateStable {
				f.onSignalingStable()
			}
		})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f.logger.Debug().Str("label", dc.Label()).Msg("remote data channel")
		f.attachSocket(f.newSocket(dc))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.post(func() {
			f.logger.Debug().Str("connection", s.String()).Msg("connection state changed")
			switch s {
			case webrtc.PeerConnectionStateClosed,
				webrtc.PeerConnectionStateFailed,
				webrtc.PeerConnectionStateDisconnected:
				f.closeOnLoop()
			}
		})
	})
	pc.OnNegotiationNeeded(func() {
		f.logger.Debug().Msg("renegotiation needed")
	})
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		f.logger.Debug().Str("gathering", s.String()).Msg("ice gathering state changed")
	})
}

// post queues task on the signaling loop. Tasks queued before Close
// never run after it.
func (f *Flow) post(task func()) bool {
	if !f.alive.Load() {
		return false
	}
	return f.loop.Execute(func() {
		if !f.alive.Load() {
			return
		}
		task()
	})
}

func await[T any](f *Flow, op string, result *future.Future[T]) (v T, err error) {
	if v, err = result.Get(f.opts.SessionDescriptionTimeout); err != nil {
		f.logger.Error().Err(err).Str("op", op).Str("state", f.State().String()).Msg("operation failed")
	}
	return
}

// transition is a compare-and-set of the state. Signaling loop only.
func (f *Flow) transition(from, to State) error {
	if current := f.State(); current != from {
		f.logger.Warn().
			Str("expected", from.String()).
			Str("actual", current.String()).
			Str("next", to.String()).
			Msg("invalid state transition")
		return fmt.Errorf("%w: want %s, have %s", ErrInvalidState, from, current)
	}
	f.state.Store(int32(to))
	f.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
	return nil
}

func (f *Flow) newSocket(dc socket.DataChannel) *socket.Socket {
	return socket.New(dc, socket.Listener{
		OnReady: func(s *socket.Socket) {
			f.post(func() {
				if err := f.transition(StateWaitingToConnect, StateConnected); err != nil {
					return
				}
				if cb := f.dcListener.OnDataChannelOpen; cb != nil {
					cb(s)
				}
			})
		},
		OnClosed:                f.dcListener.OnDataChannelClosed,
		OnMessage:               f.dcListener.OnMessageReceived,
		OnBufferedAmountChanged: f.dcListener.OnBufferedAmountChanged,
	}, f.logger)
}

func (f *Flow) attachSocket(s *socket.Socket) {
	f.mu.Lock()
	if f.pc == nil {
		f.mu.Unlock()
		s.Close()
		return
	}
	old := f.socket
	f.socket = s
	f.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// CreateOffer opens the data channel and returns the local offer.
func (f *Flow) CreateOffer() (*SessionDescription, error) {
	result := future.New[*SessionDescription]()
	if !f.post(func() { f.createOffer(result) }) {
		return &SessionDescription{}, ErrClosed
	}
	offer, err := await(f, "create offer", result)
	if err != nil {
		return &SessionDescription{}, err
	}
	return offer, nil
}

func (f *Flow) createOffer(result *future.Future[*SessionDescription]) {
	if err := f.transition(StateInitialized, StateCreatingOffer); err != nil {
		result.SetErr(err)
		return
	}
	pc := f.PeerConnection()
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: refVal(true)})
	if err != nil {
		result.SetErr(fmt.Errorf("create data channel: %w", err))
		return
	}
	f.attachSocket(f.newSocket(dc))

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		result.SetErr(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := f.transition(StateCreatingOffer, StateWaitingForAnswer); err != nil {
		result.SetErr(err)
		return
	}
	result.Set(NewSessionDescription(offer))
}

func (f *Flow) CreateAnswer() (*SessionDescription, error) {
	result := future.New[*SessionDescription]()
	if !f.post(func() { f.createAnswer(result) }) {
		return &SessionDescription{}, ErrClosed
	}
	answer, err := await(f, "create answer", result)
	if err != nil {
		return &SessionDescription{}, err
	}
	return answer, nil
}

func (f *Flow) createAnswer(result *future.Future[*SessionDescription]) {
	if err := f.transition(StateReceivedOffer, StateCreatingAnswer); err != nil {
		result.SetErr(err)
		return
	}
	answer, err := f.PeerConnection().CreateAnswer(nil)
	if err != nil {
		result.SetErr(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := f.transition(StateCreatingAnswer, StateWaitingToConnect); err != nil {
		result.SetErr(err)
		return
	}
	result.Set(NewSessionDescription(answer))
}

// SetLocalSessionDescription applies sd locally. sd is released even when
// the call fails.
func (f *Flow) SetLocalSessionDescription(sd *SessionDescription) error {
	desc, ok := sd.Release()
	if !ok {
		return ErrInvalidDescription
	}
	result := future.New[bool]()
	if !f.post(func() {
		if err := f.PeerConnection().SetLocalDescription(desc); err != nil {
			result.SetErr(fmt.Errorf("set local description: %w", err))
			return
		}
		result.Set(true)
	}) {
		return ErrClosed
	}
	_, err := await(f, "set local description", result)
	return err
}

// OnOfferReceived applies a remote offer. sd is released.
func (f *Flow) OnOfferReceived(sd *SessionDescription) error {
	return f.setRemote(sd, StateInitialized, StateReceivedOffer, "set remote offer")
}

// OnAnswerReceived applies the remote answer to a local offer. sd is released.
func (f *Flow) OnAnswerReceived(sd *SessionDescription) error {
	return f.setRemote(sd, StateWaitingForAnswer, StateWaitingToConnect, "set remote answer")
}

func (f *Flow) setRemote(sd *SessionDescription, from, to State, op string) error {
	desc, ok := sd.Release()
	if !ok {
		return ErrInvalidDescription
	}
	result := future.New[bool]()
	if !f.post(func() {
		if err := f.transition(from, to); err != nil {
			result.SetErr(err)
			return
		}
		if err := f.PeerConnection().SetRemoteDescription(desc); err != nil {
			result.SetErr(fmt.Errorf("%s: %w", op, err))
			return
		}
		result.Set(true)
	}) {
		return ErrClosed
	}
	_, err := await(f, op, result)
	return err
}

// OnRemoteIceCandidatesReceived queues candidates for the peer connection.
// Candidates that arrive before the handshake is through are held back and
// applied in arrival order once signaling is stable.
func (f *Flow) OnRemoteIceCandidatesReceived(candidates []webrtc.ICECandidateInit) error {
	if !f.post(func() { f.addIceCandidates(candidates) }) {
		return ErrClosed
	}
	return nil
}

func (f *Flow) addIceCandidates(candidates []webrtc.ICECandidateInit) {
	if !f.State().PastHandshake() {
		f.cached = append(f.cached, candidates...)
		f.logger.Debug().Int("cached", len(f.cached)).Msg("holding back remote ice candidates")
		return
	}
	f.applyIceCandidates(candidates)
}

func (f *Flow) applyIceCandidates(candidates []webrtc.ICECandidateInit) {
	pc := f.PeerConnection()
	for _, c := range candidates {
		if err := pc.AddICECandidate(c); err != nil {
			f.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("failed to add ice candidate")
		}
	}
}

func (f *Flow) onSignalingStable() {
	if !f.State().PastHandshake() || len(f.cached) == 0 {
		return
	}
	cached := f.cached
	f.cached = nil
	f.applyIceCandidates(cached)
}

// Close ends the flow and blocks until teardown is done. It returns false
// when the flow had already ended. Must not be called from a listener.
func (f *Flow) Close() bool {
	return f.closeWhen(func() bool { return true })
}

// CloseIfNotConnected is Close, skipped once the data channel is open.
func (f *Flow) CloseIfNotConnected() bool {
	return f.closeWhen(func() bool { return f.State() != StateConnected })
}

func (f *Flow) closeWhen(cond func() bool) bool {
	done := future.New[bool]()
	if !f.loop.Execute(func() {
		done.Set(f.alive.Load() && cond() && f.closeOnLoop())
	}) {
		return false
	}
	closed, _ := done.Get(0)
	return closed
}

func (f *Flow) closeOnLoop() bool {
	if f.State() == StateEnded {
		return false
	}
	f.alive.Store(false)
	f.state.Store(int32(StateEnded))
	f.logger.Debug().Msg("closing")

	f.mu.Lock()
	s, pc := f.socket, f.pc
	f.socket, f.pc = nil, nil
	f.mu.Unlock()

	if s != nil {
		s.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("peer connection close")
		}
	}
	f.cached = nil
	f.loop.Stop()
	return true
}

func refVal[T any](v T) *T { return &v }
