package medium

import (
	"errors"
	"sync"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/mux"
	"github.com/shynome/nearbyrtc/signaler"
	"github.com/shynome/nearbyrtc/socket"
)

// PeerConnection is the part of *webrtc.PeerConnection a connection flow drives.
type PeerConnection interface {
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnDataChannel(f func(*webrtc.DataChannel))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(f func())
	OnICEGatheringStateChange(f func(webrtc.ICEGathererState))

	CreateDataChannel(label string, options *webrtc.DataChannelInit) (socket.DataChannel, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// peerConnection adapts *webrtc.PeerConnection to PeerConnection.
type peerConnection struct {
	*webrtc.PeerConnection
}

var _ PeerConnection = peerConnection{}

func (pc peerConnection) CreateDataChannel(label string, options *webrtc.DataChannelInit) (socket.DataChannel, error) {
	dc, err := pc.PeerConnection.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

var ErrNoSignaler = errors.New("medium: no signaler configured")

type Options struct {
	ICEServers      []webrtc.ICEServer
	UDPPort         uint16
	IncludeLoopback bool
	Signaler        signaler.Factory
	Logger          zerolog.Logger
}

// Medium builds pion peer connections and signaling messengers.
type Medium struct {
	api    *webrtc.API
	mux    ice.UDPMux
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	latency    time.Duration
	useValidPC bool
	closed     bool
}

func New(opts Options) (m *Medium, err error) {
	defer err2.Handle(&err)

	m = &Medium{
		opts:       opts,
		logger:     logging.Module(opts.Logger, "medium"),
		useValidPC: true,
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: &logging.PionFactory{Logger: opts.Logger},
	}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if opts.UDPPort != 0 && mux.WithUDPMux != nil {
		m.mux = try.To1(mux.WithUDPMux(&settingEngine, opts.UDPPort))
	}
	m.api = webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return m, nil
}

func (m *Medium) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.api != nil && !m.closed
}

// SetPeerConnectionLatency delays every peer connection creation by d.
func (m *Medium) SetPeerConnectionLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetUseValidPeerConnection makes creation report failure when false.
func (m *Medium) SetUseValidPeerConnection(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.useValidPC = valid
}

// CreatePeerConnection builds a peer connection off the calling goroutine
// and hands it to cb, or nil when it could not be built.
func (m *Medium) CreatePeerConnection(cb func(PeerConnection)) {
	m.mu.Lock()
	latency, valid, closed := m.latency, m.useValidPC, m.closed
	m.mu.Unlock()

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		if closed || !valid {
			cb(nil)
			return
		}
		pc, err := m.api.NewPeerConnection(webrtc.Configuration{
			ICEServers: m.opts.ICEServers,
		})
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to create peer connection")
			cb(nil)
			return
		}
		cb(peerConnection{pc})
	}()
}

func (m *Medium) SignalingMessenger(selfID string) (signaler.Messenger, error) {
	if m.opts.Signaler == nil {
		return nil, ErrNoSignaler
	}
	return m.opts.Signaler(selfID)
}

func (m *Medium) Close() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.mux != nil {
		err = m.mux.Close()
		m.mux = nil
	}
	return
}
