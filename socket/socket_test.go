package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

type fakeDC struct {
	mu      sync.Mutex
	state   webrtc.DataChannelState
	onOpen  func()
	onClose func()
	onMsg   func(webrtc.DataChannelMessage)
	onLow   func()
	sent    [][]byte
	closes  int

	buffered uint64
}

func (d *fakeDC) Label() string { return "dataChannel" }
func (d *fakeDC) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
func (d *fakeDC) OnOpen(f func())                                 { d.onOpen = f }
func (d *fakeDC) OnClose(f func())                                { d.onClose = f }
func (d *fakeDC) OnMessage(f func(msg webrtc.DataChannelMessage)) { d.onMsg = f }
func (d *fakeDC) OnBufferedAmountLow(f func())                    { d.onLow = f }
func (d *fakeDC) SetBufferedAmountLowThreshold(uint64)            {}
func (d *fakeDC) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}
func (d *fakeDC) setBuffered(n uint64) {
	d.mu.Lock()
	d.buffered = n
	d.mu.Unlock()
}
func (d *fakeDC) sends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}
func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, append([]byte(nil), data...))
	return nil
}
func (d *fakeDC) Close() error {
	d.mu.Lock()
	d.closes++
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	return nil
}

func (d *fakeDC) open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	d.mu.Unlock()
	d.onOpen()
}

func (d *fakeDC) deliver(b string) { d.onMsg(webrtc.DataChannelMessage{Data: []byte(b)}) }

func TestReadyAndRead(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateConnecting}
	ready := make(chan *Socket, 1)
	s := New(dc, Listener{OnReady: func(s *Socket) { ready <- s }}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.That(s.WaitOpen(ctx) != nil)

	dc.open()
	assert.Equal(<-ready, s)
	try.To(s.WaitOpen(context.Background()))

	dc.deliver("hello")
	dc.deliver(" world")
	buf := make([]byte, 3)
	var got []byte
	for len(got) < len("hello world") {
		n := try.To1(s.Read(buf))
		got = append(got, buf[:n]...)
	}
	assert.Equal(string(got), "hello world")
}

func TestAlreadyOpen(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen}
	var readies int
	s := New(dc, Listener{OnReady: func(*Socket) { readies++ }}, zerolog.Nop())
	dc.onOpen()
	assert.Equal(readies, 1)
	try.To(s.WaitOpen(context.Background()))
}

func TestWriteChunks(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen}
	s := New(dc, Listener{}, zerolog.Nop())
	payload := make([]byte, MaxMessageSize*2+10)
	n := try.To1(s.Write(payload))
	assert.Equal(n, len(payload))
	assert.Equal(len(dc.sent), 3)
	assert.Equal(len(dc.sent[2]), 10)
}

func TestRemoteCloseUnblocksRead(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen}
	var closed int
	s := New(dc, Listener{OnClosed: func() { closed++ }}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	dc.onClose()

	select {
	case err := <-errCh:
		assert.Equal(err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("read still blocked after close")
	}
	assert.Equal(closed, 1)

	_, err := s.Write([]byte("x"))
	assert.That(errors.Is(err, net.ErrClosed))
}

func TestCloseOnce(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen}
	var closed int
	s := New(dc, Listener{OnClosed: func() { closed++ }}, zerolog.Nop())
	try.To(s.Close())
	try.To(s.Close())
	dc.onClose()
	assert.Equal(closed, 1)
	assert.Equal(dc.closes, 1)
	assert.That(s.IsClosed())
}

func TestReadDeadline(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen}
	s := New(dc, Listener{}, zerolog.Nop())
	try.To(s.SetReadDeadline(time.Now().Add(20 * time.Millisecond)))
	_, err := s.Read(make([]byte, 1))
	assert.That(errors.Is(err, os.ErrDeadlineExceeded))
}

func TestWriteWaitsForDrain(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen, buffered: maxBufferedAmount + 1}
	s := New(dc, Listener{}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("queued"))
		errCh <- err
	}()
	select {
	case <-errCh:
		t.Fatal("write did not wait for the data channel to drain")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(dc.sends(), 0)

	dc.setBuffered(bufferedAmountLowThreshold - 1)
	dc.onLow()
	select {
	case err := <-errCh:
		assert.That(err == nil)
	case <-time.After(time.Second):
		t.Fatal("write still blocked after the data channel drained")
	}
	assert.Equal(dc.sends(), 1)
}

func TestBlockedWriteEnds(t *testing.T) {
	dc := &fakeDC{state: webrtc.DataChannelStateOpen, buffered: maxBufferedAmount + 1}
	s := New(dc, Listener{}, zerolog.Nop())

	try.To(s.SetWriteDeadline(time.Now().Add(20 * time.Millisecond)))
	_, err := s.Write([]byte("late"))
	assert.That(errors.Is(err, os.ErrDeadlineExceeded))

	try.To(s.SetWriteDeadline(time.Time{}))
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("closing"))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	try.To(s.Close())
	select {
	case err := <-errCh:
		assert.That(errors.Is(err, net.ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("write still blocked after close")
	}
	assert.Equal(dc.sends(), 0)
}
