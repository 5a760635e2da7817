package flow

import (
	"github.com/pion/webrtc/v3"
	"github.com/shynome/nearbyrtc/socket"
)

// LocalIceCandidateListener is told about every candidate gathered locally.
type LocalIceCandidateListener struct {
	OnLocalIceCandidate func(candidate webrtc.ICECandidateInit)
}

type DataChannelListener struct {
	// OnDataChannelOpen runs on the signaling loop once the flow is Connected.
	OnDataChannelOpen       func(s *socket.Socket)
	OnDataChannelClosed     func()
	OnMessageReceived       func(n int)
	OnBufferedAmountChanged func()
}
