package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc/internal/logging"
)

// MaxMessageSize bounds a single data channel message produced by Write.
const MaxMessageSize = 16 * 1024

// Write waits once this much is queued on the data channel, until the
// queue drains below bufferedAmountLowThreshold.
const (
	maxBufferedAmount          = 1024 * 1024
	bufferedAmountLowThreshold = 512 * 1024
)

var ErrDataChannelClosed = errors.New("DataChannel state is closed")

// DataChannel is the part of *webrtc.DataChannel a Socket drives.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnBufferedAmountLow(f func())
	SetBufferedAmountLowThreshold(th uint64)
	BufferedAmount() uint64
	Send(data []byte) error
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

type Listener struct {
	// OnReady fires once, when the data channel opens.
	OnReady                 func(s *Socket)
	OnClosed                func()
	OnMessage               func(n int)
	OnBufferedAmountChanged func()
}

// Socket is a byte stream over one reliable data channel.
type Socket struct {
	dc       DataChannel
	listener Listener
	logger   zerolog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	queue         [][]byte
	closed        bool
	readDeadline  time.Time
	readTimer     *time.Timer
	writeDeadline time.Time

	drained chan struct{}

	openOnce  sync.Once
	open      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

var _ net.Conn = (*Socket)(nil)

func New(dc DataChannel, listener Listener, logger zerolog.Logger) *Socket {
	s := &Socket{
		dc:       dc,
		listener: listener,
		logger:   logging.Module(logger, "socket").With().Str("label", dc.Label()).Logger(),
		open:     make(chan struct{}),
		done:     make(chan struct{}),
		drained:  make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.mu)

	dc.OnMessage(s.onMessage)
	dc.OnClose(func() { s.shutdown() })
	dc.SetBufferedAmountLowThreshold(bufferedAmountLowThreshold)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drained <- struct{}{}:
		default:
		}
		if f := s.listener.OnBufferedAmountChanged; f != nil {
			f()
		}
	})
	dc.OnOpen(s.onOpen)

	switch dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		s.onOpen()
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		s.shutdown()
	}
	return s
}

func (s *Socket) onOpen() {
	s.openOnce.Do(func() {
		s.logger.Debug().Msg("data channel open")
		close(s.open)
		if f := s.listener.OnReady; f != nil {
			f(s)
		}
	})
}

func (s *Socket) onMessage(msg webrtc.DataChannelMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg.Data)
	s.cond.Broadcast()
	s.mu.Unlock()

	if f := s.listener.OnMessage; f != nil {
		f(len(msg.Data))
	}
}

// shutdown marks the socket closed and wakes readers. It reports whether
// this call did it.
func (s *Socket) shutdown() (first bool) {
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		if s.readTimer != nil {
			s.readTimer.Stop()
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)

		s.logger.Debug().Msg("socket closed")
		if f := s.listener.OnClosed; f != nil {
			f()
		}
	})
	return
}

// Read returns the bytes of the next queued message, across calls when p is
// short. It returns io.EOF once the socket is closed and drained.
func (s *Socket) Read(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.queue) > 0 {
			n = copy(p, s.queue[0])
			if n < len(s.queue[0]) {
				s.queue[0] = s.queue[0][n:]
			} else {
				s.queue[0] = nil
				s.queue = s.queue[1:]
			}
			return n, nil
		}
		if s.closed {
			return 0, io.EOF
		}
		if !s.readDeadline.IsZero() && !time.Now().Before(s.readDeadline) {
			return 0, os.ErrDeadlineExceeded
		}
		s.cond.Wait()
	}
}

func (s *Socket) Write(p []byte) (n int, err error) {
	if s.IsClosed() {
		return 0, net.ErrClosed
	}
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxMessageSize {
			chunk = chunk[:MaxMessageSize]
		}
		if err = s.waitDrained(); err != nil {
			return n, err
		}
		if err = s.dc.Send(chunk); err != nil {
			return n, fmt.Errorf("socket write: %w", err)
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// waitDrained blocks while the data channel holds more than
// maxBufferedAmount, up to the write deadline.
func (s *Socket) waitDrained() error {
	if s.dc.BufferedAmount() <= maxBufferedAmount {
		return nil
	}
	s.mu.Lock()
	deadline := s.writeDeadline
	s.mu.Unlock()
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	for s.dc.BufferedAmount() > maxBufferedAmount {
		select {
		case <-s.drained:
		case <-s.done:
			return net.ErrClosed
		case <-timeout:
			return os.ErrDeadlineExceeded
		}
	}
	return nil
}

// Close closes the data channel. Only the first call has an effect.
func (s *Socket) Close() error {
	if !s.shutdown() {
		return nil
	}
	return s.dc.Close()
}

func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WaitOpen blocks until the data channel opens, the socket closes, or ctx ends.
func (s *Socket) WaitOpen(ctx context.Context) error {
	select {
	case <-s.open:
		return nil
	default:
	}
	select {
	case <-s.open:
		return nil
	case <-s.done:
		return ErrDataChannelClosed
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Closed is closed once the socket is.
func (s *Socket) Closed() <-chan struct{} { return s.done }

func (s *Socket) LocalAddr() net.Addr  { return addr(s.dc.Label()) }
func (s *Socket) RemoteAddr() net.Addr { return addr(s.dc.Label()) }

func (s *Socket) SetDeadline(t time.Time) error {
	s.SetWriteDeadline(t)
	return s.SetReadDeadline(t)
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	if !t.IsZero() {
		s.readTimer = time.AfterFunc(time.Until(t), func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
	}
	return nil
}

// SetWriteDeadline bounds how long Write waits for the data channel to drain.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}

type addr string

func (addr) Network() string  { return "webrtc" }
func (a addr) String() string { return string(a) }
