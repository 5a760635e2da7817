package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc"
	"github.com/shynome/nearbyrtc/config"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/medium"
	"github.com/shynome/nearbyrtc/signaler"
	"github.com/shynome/nearbyrtc/signaler/ws"
	"github.com/shynome/nearbyrtc/socket"
	"github.com/spf13/pflag"
)

func main() {
	runServer := pflag.Bool("server", false, "serve http instead of fetching it")
	endpoint := pflag.String("signaler", "ws://127.0.0.1:8080/ws", "ws signaler endpoint")
	pflag.Parse()

	logger = logging.Setup("info", true)
	factory := ws.Factory(*endpoint, logger)
	if *runServer {
		srv := startServer(factory)
		defer srv.Close()
		<-srv.done
		return
	}

	client, closer := startClient(factory)
	defer closer()
	resp := try.To1(client.Get("http://server/"))
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
}

const (
	serverID  = "server"
	serviceID = "hello"
)

var logger = zerolog.Nop()

func newWebRTC(factory signaler.Factory) (*nearbyrtc.WebRTC, *medium.Medium) {
	m := try.To1(medium.New(medium.Options{
		IncludeLoopback: true,
		Signaler:        factory,
		Logger:          logger,
	}))
	cfg := config.Default()
	cfg.SessionDescriptionTimeout = time.Second
	return nearbyrtc.New(m, cfg, logger), m
}

// listener hands out accepted sockets and accepts again after each one.
type listener struct {
	w      *nearbyrtc.WebRTC
	m      *medium.Medium
	conns  chan net.Conn
	done   chan struct{}
	closed sync.Once
}

var _ net.Listener = (*listener)(nil)

func (l *listener) arm() bool {
	return l.w.StartAcceptingConnections(serviceID, serverID, func(_ string, s *socket.Socket) {
		l.w.StopAcceptingConnections(serviceID)
		if !l.arm() {
			logger.Error().Msg("failed to accept again")
		}
		select {
		case l.conns <- s:
		case <-l.done:
			s.Close()
		}
	})
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.closed.Do(func() {
		close(l.done)
		l.w.Close()
		l.m.Close()
	})
	return nil
}

func (l *listener) Addr() net.Addr { return addr(serverID) }

type addr string

func (addr) Network() string  { return "webrtc" }
func (a addr) String() string { return string(a) }

func startServer(factory signaler.Factory) *listener {
	w, m := newWebRTC(factory)
	l := &listener{w: w, m: m, conns: make(chan net.Conn), done: make(chan struct{})}
	if !l.arm() {
		panic("failed to start accepting connections")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(writer http.ResponseWriter, request *http.Request) {
		logger.Info().Str("url", request.URL.String()).Str("ua", request.UserAgent()).Msg("request")
		io.WriteString(writer, "Hello from a WebRTC data channel!")
	})
	go http.Serve(l, mux)
	return l
}

func startClient(factory signaler.Factory) (*http.Client, func()) {
	w, m := newWebRTC(factory)
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				s, err := w.Connect(ctx, serverID)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
		},
	}
	return client, func() {
		w.Close()
		m.Close()
	}
}
