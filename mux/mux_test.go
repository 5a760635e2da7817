//go:build !(js || wasip1)

package mux

import (
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v3"
)

func TestWithUDPMux(t *testing.T) {
	assert.That(WithUDPMux != nil)

	var engine webrtc.SettingEngine
	m := try.To1(WithUDPMux(&engine, 0))
	defer m.Close()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(engine))
	pc := try.To1(api.NewPeerConnection(webrtc.Configuration{}))
	try.To(pc.Close())
}
