package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/shynome/nearbyrtc/signaler"
)

func TestChannel(t *testing.T) {
	var hub = NewHub()
	s1, s2 := try.To1(hub.Messenger("s1")), try.To1(hub.Messenger("s2"))

	got := make(chan string, 10)
	try.To(s1.StartReceivingMessages(func(msg []byte) { got <- string(msg) }, nil))
	defer s1.StopReceivingMessages()

	ctx := context.Background()
	for _, msg := range []string{"poke", "offer", "candidates"} {
		try.To(s2.SendMessage(ctx, "s1", []byte(msg)))
	}
	for _, want := range []string{"poke", "offer", "candidates"} {
		select {
		case msg := <-got:
			assert.Equal(msg, want)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}

	err := s1.SendMessage(ctx, "s2", []byte("x"))
	assert.That(errors.Is(err, signaler.ErrPeerNotFound))
}

func TestStartTwice(t *testing.T) {
	hub := NewHub()
	m := try.To1(hub.Messenger("a"))
	try.To(m.StartReceivingMessages(func([]byte) {}, nil))
	err := m.StartReceivingMessages(func([]byte) {}, nil)
	assert.That(errors.Is(err, signaler.ErrAlreadyReceiving))

	m.StopReceivingMessages()
	assert.That(hub.Find("a") == nil)
	try.To(m.StartReceivingMessages(func([]byte) {}, nil))
	m.StopReceivingMessages()
}

func TestDrop(t *testing.T) {
	hub := NewHub()
	m := try.To1(hub.Messenger("a"))
	errBroken := errors.New("stream broken")
	done := make(chan error, 1)
	try.To(m.StartReceivingMessages(func([]byte) {}, func(err error) { done <- err }))

	assert.That(hub.Drop("a", errBroken))
	assert.Equal(<-done, errBroken)
	assert.That(!hub.Drop("a", errBroken))
}
