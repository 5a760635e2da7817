package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
)

func TestRelay(t *testing.T) {
	srv := httptest.NewServer(NewServer(zerolog.Nop()))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	alice := try.To1(NewMessenger("alice", endpoint, zerolog.Nop()))
	bob := try.To1(NewMessenger("bob", endpoint, zerolog.Nop()))

	aliceGot := make(chan []byte, 4)
	bobGot := make(chan []byte, 4)
	try.To(alice.StartReceivingMessages(func(b []byte) { aliceGot <- b }, nil))
	defer alice.StopReceivingMessages()
	try.To(bob.StartReceivingMessages(func(b []byte) { bobGot <- b }, nil))
	defer bob.StopReceivingMessages()

	ctx := context.Background()
	try.To(bob.SendMessage(ctx, "alice", []byte("poke")))
	try.To(bob.SendMessage(ctx, "alice", []byte{0, 1, 2}))
	try.To(alice.SendMessage(ctx, "bob", []byte("offer")))

	recv := func(ch chan []byte) []byte {
		select {
		case b := <-ch:
			return b
		case <-time.After(5 * time.Second):
			t.Fatal("frame not relayed")
			return nil
		}
	}
	assert.Equal(string(recv(aliceGot)), "poke")
	assert.DeepEqual(recv(aliceGot), []byte{0, 1, 2})
	assert.Equal(string(recv(bobGot)), "offer")
}

func TestRelayEndCompletes(t *testing.T) {
	relay := NewServer(zerolog.Nop())
	srv := httptest.NewServer(relay)
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := try.To1(NewMessenger("a", endpoint, zerolog.Nop()))
	done := make(chan error, 1)
	try.To(m.StartReceivingMessages(func([]byte) {}, func(err error) { done <- err }))

	assert.That(relay.Disconnect("a"))
	select {
	case err := <-done:
		assert.That(err != nil)
	case <-time.After(5 * time.Second):
		t.Fatal("onComplete not called")
	}
}

func TestStopDoesNotComplete(t *testing.T) {
	srv := httptest.NewServer(NewServer(zerolog.Nop()))
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := try.To1(NewMessenger("a", endpoint, zerolog.Nop()))
	done := make(chan error, 1)
	try.To(m.StartReceivingMessages(func([]byte) {}, func(err error) { done <- err }))
	m.StopReceivingMessages()

	select {
	case <-done:
		t.Fatal("onComplete after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
