package medium

import (
	"errors"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/signaler/local"
)

func create(m *Medium) chan PeerConnection {
	ch := make(chan PeerConnection, 1)
	m.CreatePeerConnection(func(pc PeerConnection) { ch <- pc })
	return ch
}

func TestCreatePeerConnection(t *testing.T) {
	m := try.To1(New(Options{IncludeLoopback: true, Logger: zerolog.Nop()}))
	defer m.Close()
	assert.That(m.IsValid())

	pc := <-create(m)
	assert.That(pc != nil)
	try.To(pc.Close())
}

func TestInvalidPeerConnection(t *testing.T) {
	m := try.To1(New(Options{Logger: zerolog.Nop()}))
	m.SetUseValidPeerConnection(false)
	assert.That(<-create(m) == nil)
}

func TestPeerConnectionLatency(t *testing.T) {
	m := try.To1(New(Options{Logger: zerolog.Nop()}))
	m.SetPeerConnectionLatency(100 * time.Millisecond)

	ch := create(m)
	select {
	case <-ch:
		t.Fatal("peer connection created before the injected latency")
	case <-time.After(30 * time.Millisecond):
	}
	pc := <-ch
	try.To(pc.Close())
}

func TestSignalingMessenger(t *testing.T) {
	m := try.To1(New(Options{Logger: zerolog.Nop()}))
	_, err := m.SignalingMessenger("a")
	assert.That(errors.Is(err, ErrNoSignaler))

	hub := local.NewHub()
	m = try.To1(New(Options{Signaler: hub.Messenger, Logger: zerolog.Nop()}))
	messenger := try.To1(m.SignalingMessenger("a"))
	assert.That(messenger != nil)

	try.To(m.Close())
	assert.That(!m.IsValid())
}
