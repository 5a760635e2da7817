package nearbyrtc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/config"
	"github.com/shynome/nearbyrtc/flow"
	"github.com/shynome/nearbyrtc/frames"
	"github.com/shynome/nearbyrtc/medium"
	"github.com/shynome/nearbyrtc/signaler"
	"github.com/shynome/nearbyrtc/signaler/local"
	"github.com/shynome/nearbyrtc/socket"
)

const serviceID = "nearby-service"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SessionDescriptionTimeout = time.Second
	cfg.DataChannelTimeout = 10 * time.Second
	return cfg
}

func newWebRTC(t *testing.T, hub *local.Hub) (*WebRTC, *medium.Medium) {
	m := try.To1(medium.New(medium.Options{
		IncludeLoopback: true,
		Signaler:        hub.Messenger,
		Logger:          zerolog.Nop(),
	}))
	w := New(m, testConfig(), zerolog.Nop())
	t.Cleanup(func() {
		w.Close()
		m.Close()
	})
	return w, m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// rawPeer talks the signaling protocol by hand.
type rawPeer struct {
	id        string
	messenger signaler.Messenger
	frames    chan *frames.Frame
}

func newRawPeer(t *testing.T, hub *local.Hub, id string) *rawPeer {
	p := &rawPeer{
		id:        id,
		messenger: try.To1(hub.Messenger(id)),
		frames:    make(chan *frames.Frame, 64),
	}
	try.To(p.messenger.StartReceivingMessages(func(msg []byte) {
		if f, err := frames.Decode(msg); err == nil {
			p.frames <- f
		}
	}, nil))
	t.Cleanup(p.messenger.StopReceivingMessages)
	return p
}

func (p *rawPeer) send(t *testing.T, to string, msg []byte) {
	try.To(p.messenger.SendMessage(context.Background(), to, msg))
}

func (p *rawPeer) next(t *testing.T) *frames.Frame {
	select {
	case f := <-p.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no signaling frame received")
		return nil
	}
}

func TestAcceptAndConnect(t *testing.T) {
	hub := local.NewHub()
	acceptor, _ := newWebRTC(t, hub)
	connector, _ := newWebRTC(t, hub)

	accepted := make(chan *socket.Socket, 1)
	assert.That(acceptor.StartAcceptingConnections(serviceID, "alice", func(service string, s *socket.Socket) {
		assert.Equal(service, serviceID)
		accepted <- s
	}))
	assert.That(acceptor.IsAcceptingConnections(serviceID))

	out := try.To1(connector.Connect(context.Background(), "alice"))
	var in *socket.Socket
	select {
	case in = <-accepted:
	case <-time.After(10 * time.Second):
		t.Fatal("accepted connection callback did not fire")
	}

	msg := []byte("hello over the data channel")
	try.To1(out.Write(msg))
	buf := make([]byte, len(msg))
	try.To1(io.ReadFull(in, buf))
	assert.DeepEqual(buf, msg)

	try.To1(in.Write([]byte("pong")))
	buf = make([]byte, 4)
	try.To1(io.ReadFull(out, buf))
	assert.Equal(string(buf), "pong")

	// the peer can be dialed again while this connection is up
	connector.mu.Lock()
	assert.Equal(len(connector.connecting), 0)
	connector.mu.Unlock()

	// the accepted connection outlives the accepting state
	acceptor.StopAcceptingConnections(serviceID)
	assert.That(!acceptor.IsAcceptingConnections(serviceID))
	try.To1(out.Write([]byte("still up")))
	buf = make([]byte, 8)
	try.To1(io.ReadFull(in, buf))
	assert.Equal(string(buf), "still up")
	assert.That(acceptor.StartAcceptingConnections(serviceID, "alice", nil))

	// closing one side tears down both records
	try.To(out.Close())
	liveCount := func(w *WebRTC) int {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.live)
	}
	eventually(t, func() bool { return liveCount(connector) == 0 })
	eventually(t, func() bool { return liveCount(acceptor) == 1 })
}

func TestAcceptTwiceRejected(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))
	assert.That(!w.StartAcceptingConnections(serviceID, "alice-2", nil))
	assert.That(w.StartAcceptingConnections("other-service", "alice-3", nil))
}

func TestStopAcceptingConnections(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)

	// stopping a service that never started is a no-op
	w.StopAcceptingConnections(serviceID)

	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))
	assert.That(hub.Find("alice") != nil)
	w.StopAcceptingConnections(serviceID)
	assert.That(!w.IsAcceptingConnections(serviceID))
	assert.That(hub.Find("alice") == nil)

	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))
}

func TestPokeReceivesStagedOffer(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))

	bob := newRawPeer(t, hub, "bob")
	bob.send(t, "alice", frames.EncodeReadyForSignalingPoke("bob"))

	offer := bob.next(t)
	assert.Equal(offer.Type, frames.TypeOffer)
	assert.Equal(offer.SenderID, "alice")
	assert.That(offer.Offer != nil && offer.Offer.SDP != "")

	// once latched, frames from anyone else are ignored
	eve := newRawPeer(t, hub, "eve")
	eve.send(t, "alice", frames.EncodeReadyForSignalingPoke("eve"))
	eve.send(t, "alice", frames.EncodeAnswer("eve", "v=0"))
	select {
	case f := <-eve.frames:
		t.Fatalf("unexpected %s frame sent to another peer", f.Type)
	case <-time.After(200 * time.Millisecond):
	}
	assert.That(w.IsAcceptingConnections(serviceID))
}

func TestProtocolViolationsDisconnect(t *testing.T) {
	cases := map[string][]byte{
		"malformed":      {0x0a, 0xff},
		"missing sender": frames.EncodeReadyForSignalingPoke(""),
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			hub := local.NewHub()
			w, _ := newWebRTC(t, hub)
			assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))

			mallory := newRawPeer(t, hub, "mallory")
			mallory.send(t, "alice", msg)
			eventually(t, func() bool { return !w.IsAcceptingConnections(serviceID) })
			assert.That(hub.Find("alice") == nil)
		})
	}
}

func TestFramesBeforePokeIgnored(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))

	bob := newRawPeer(t, hub, "bob")
	bob.send(t, "alice", frames.EncodeAnswer("bob", "v=0"))
	bob.send(t, "alice", frames.EncodeReadyForSignalingPoke("bob"))
	assert.Equal(bob.next(t).Type, frames.TypeOffer)
	assert.That(w.IsAcceptingConnections(serviceID))
}

func TestReceiveRestartLimit(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))

	errBroken := errors.New("stream broken")
	for i := 0; i < w.cfg.RestartAcceptLimit; i++ {
		assert.That(hub.Drop("alice", errBroken))
		eventually(t, func() bool { return hub.Find("alice") != nil })
		assert.That(w.IsAcceptingConnections(serviceID))
	}

	assert.That(hub.Drop("alice", errBroken))
	eventually(t, func() bool { return !w.IsAcceptingConnections(serviceID) })
	assert.That(hub.Find("alice") == nil)
}

func TestConnectUnknownPeer(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)

	_, err := w.Connect(context.Background(), "nobody")
	assert.That(errors.Is(err, signaler.ErrPeerNotFound))

	// the failed attempt left nothing behind
	_, err = w.Connect(context.Background(), "nobody")
	assert.That(!errors.Is(err, ErrAlreadyConnecting))
}

func TestConnectTimeout(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	w.cfg.DataChannelTimeout = 300 * time.Millisecond

	// a peer that never answers the poke
	silent := newRawPeer(t, hub, "silent")
	_, err := w.Connect(context.Background(), "silent")
	assert.That(errors.Is(err, ErrDataChannelTimeout))
	assert.Equal(silent.next(t).Type, frames.TypeReadyForSignalingPoke)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(len(w.connecting), 0)
}

func TestConnectTwiceRejected(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	newRawPeer(t, hub, "silent")

	done := make(chan error, 1)
	go func() {
		_, err := w.Connect(context.Background(), "silent")
		done <- err
	}()
	eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.connecting["silent"] != nil
	})
	_, err := w.Connect(context.Background(), "silent")
	assert.That(errors.Is(err, ErrAlreadyConnecting))

	w.Disconnect(RoleAnswerer, "silent")
	assert.That(errors.Is(<-done, ErrDisconnected))
}

func TestConnectCancelled(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	newRawPeer(t, hub, "silent")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := w.Connect(ctx, "silent")
	assert.That(errors.Is(err, context.Canceled))
}

func TestUnavailable(t *testing.T) {
	hub := local.NewHub()
	w, m := newWebRTC(t, hub)
	assert.That(w.IsAvailable())

	try.To(m.Close())
	assert.That(!w.IsAvailable())
	assert.That(!w.StartAcceptingConnections(serviceID, "alice", nil))
	_, err := w.Connect(context.Background(), "alice")
	assert.That(errors.Is(err, ErrUnavailable))
}

func TestCloseTearsEverythingDown(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))
	assert.That(w.StartAcceptingConnections("other-service", "alice-2", nil))

	w.Close()
	assert.That(!w.IsAvailable())
	assert.That(hub.Find("alice") == nil)
	assert.That(hub.Find("alice-2") == nil)
	assert.That(!w.IsAcceptingConnections(serviceID))

	// a second close is harmless
	w.Close()
}

// stalledMedium hands out messengers whose sends block until ctx ends.
type stalledMedium struct {
	*medium.Medium
	sending chan struct{}
}

func (m stalledMedium) SignalingMessenger(string) (signaler.Messenger, error) {
	return stalledMessenger{m.sending}, nil
}

type stalledMessenger struct{ sending chan struct{} }

func (m stalledMessenger) SendMessage(ctx context.Context, _ string, _ []byte) error {
	m.sending <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}
func (stalledMessenger) StartReceivingMessages(func([]byte), func(error)) error { return nil }
func (stalledMessenger) StopReceivingMessages()                                 {}

func TestStalledPokeIsBounded(t *testing.T) {
	m := try.To1(medium.New(medium.Options{IncludeLoopback: true, Logger: zerolog.Nop()}))
	cfg := testConfig()
	cfg.DataChannelTimeout = 300 * time.Millisecond
	w := New(stalledMedium{m, make(chan struct{}, 1)}, cfg, zerolog.Nop())
	t.Cleanup(func() {
		w.Close()
		m.Close()
	})
	sending := w.medium.(stalledMedium).sending

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := w.Connect(context.Background(), "alice")
		done <- err
	}()
	<-sending

	// the orchestrator stays usable while the poke is in flight
	free := make(chan bool, 1)
	go func() { free <- w.IsAcceptingConnections(serviceID) }()
	select {
	case accepting := <-free:
		assert.That(!accepting)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("orchestrator blocked while the poke was in flight")
	}

	select {
	case err := <-done:
		assert.That(errors.Is(err, ErrDataChannelTimeout))
	case <-time.After(3 * time.Second):
		t.Fatal("connect not bounded by the data channel timeout")
	}
	assert.That(time.Since(start) < 2*time.Second)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(len(w.connecting), 0)
	assert.Equal(len(w.live), 0)
}

func TestEarlyDataChannelTrafficDisconnects(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))

	// the offer is out but no answer came back
	w.mu.Lock()
	info := w.accepting[serviceID]
	assert.Equal(info.flow.State(), flow.StateWaitingForAnswer)
	w.onEarlyTraffic(info, "data channel message")
	w.mu.Unlock()

	assert.That(!w.IsAcceptingConnections(serviceID))
	assert.That(hub.Find("alice") == nil)
}

func TestEarlyTrafficAfterHandshakeIsKept(t *testing.T) {
	hub := local.NewHub()
	w, _ := newWebRTC(t, hub)
	assert.That(w.StartAcceptingConnections(serviceID, "alice", nil))
	bob := newRawPeer(t, hub, "bob")
	bob.send(t, "alice", frames.EncodeReadyForSignalingPoke("bob"))
	offer := bob.next(t)

	// answer the offer with a real peer connection so the handshake ends
	pc := try.To1(webrtc.NewPeerConnection(webrtc.Configuration{}))
	defer pc.Close()
	try.To(pc.SetRemoteDescription(*offer.Offer))
	answer := try.To1(pc.CreateAnswer(nil))
	bob.send(t, "alice", frames.EncodeAnswer("bob", answer.SDP))

	eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		info := w.accepting[serviceID]
		return info != nil && info.flow.State().PastHandshake()
	})
	w.mu.Lock()
	w.onEarlyTraffic(w.accepting[serviceID], "data channel message")
	w.mu.Unlock()
	assert.That(w.IsAcceptingConnections(serviceID))
}
