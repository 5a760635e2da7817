package lens2

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
)

func TestBrokerRoundTrip(t *testing.T) {
	broker := NewBroker()
	srv := httptest.NewServer(broker)
	defer srv.Close()
	defer broker.Close()

	endpoint := "http://test:test@" + srv.Listener.Addr().String() + "/"
	alice := try.To1(NewMessenger("alice", endpoint, zerolog.Nop()))
	bob := try.To1(NewMessenger("bob", endpoint, zerolog.Nop()))

	got := make(chan []byte, 4)
	try.To(alice.StartReceivingMessages(func(msg []byte) { got <- msg }, nil))
	defer alice.StopReceivingMessages()

	ctx := context.Background()
	frames := [][]byte{{0x0a, 0x00, 0xff}, []byte("second")}
	for _, f := range frames {
		try.To(bob.SendMessage(ctx, "alice", f))
	}
	for _, want := range frames {
		select {
		case msg := <-got:
			assert.DeepEqual(msg, want)
		case <-time.After(5 * time.Second):
			t.Fatal("frame not received")
		}
	}

	assert.That(alice.StartReceivingMessages(func([]byte) {}, nil) != nil)
}

func TestBrokerRejectsMissingTopic(t *testing.T) {
	srv := httptest.NewServer(NewBroker())
	defer srv.Close()

	m := try.To1(NewMessenger("a", srv.URL, zerolog.Nop()))
	err := m.SendMessage(context.Background(), "", []byte("x"))
	assert.That(err != nil)
}
