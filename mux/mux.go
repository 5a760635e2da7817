package mux

import (
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// WithUDPMux makes every peer connection built from engine share one UDP
// port. It is nil on platforms without raw UDP sockets.
var WithUDPMux func(engine *webrtc.SettingEngine, port uint16) (ice.UDPMux, error)
