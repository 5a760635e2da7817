package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
	"github.com/shynome/nearbyrtc"
	"github.com/shynome/nearbyrtc/config"
	"github.com/shynome/nearbyrtc/internal/logging"
	"github.com/shynome/nearbyrtc/medium"
	"github.com/shynome/nearbyrtc/signaler"
	"github.com/shynome/nearbyrtc/signaler/lens2"
	"github.com/shynome/nearbyrtc/signaler/ws"
	"github.com/shynome/nearbyrtc/socket"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	config   string
	id       string
	service  string
	peer     string
	signaler string
	endpoint string
	listen   string
	console  bool
}

func run(args []string) (err error) {
	defer err2.Handle(&err)

	if len(args) == 0 {
		printHelp()
		return errors.New("a command is required")
	}
	cmd, args := args[0], args[1:]

	var opts options
	flagSet := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flagSet.StringVar(&opts.config, "config", "", "path to a yaml config file")
	flagSet.StringVar(&opts.id, "id", "", "peer id to accept connections as")
	flagSet.StringVar(&opts.service, "service", "nearbyrtc", "service id to accept connections for")
	flagSet.StringVar(&opts.peer, "peer", "", "peer id to connect to")
	flagSet.StringVar(&opts.signaler, "signaler", "", "signaler kind: ws or lens2")
	flagSet.StringVar(&opts.endpoint, "endpoint", "", "signaler endpoint")
	flagSet.StringVar(&opts.listen, "listen", "", "relay listen address")
	flagSet.BoolVar(&opts.console, "console", true, "human readable logs")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp()
			return nil
		}
		return err
	}

	cfg := try.To1(config.Load(opts.config))
	if opts.signaler != "" {
		cfg.Signaler.Kind = opts.signaler
	}
	if opts.endpoint != "" {
		cfg.Signaler.Endpoint = opts.endpoint
	}
	if opts.listen != "" {
		cfg.Relay.Listen = opts.listen
	}
	logger := logging.Setup(cfg.LogLevel, opts.console)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "relay":
		return runRelay(ctx, cfg, logger)
	case "accept":
		if opts.id == "" {
			return errors.New("--id is required")
		}
		return runAccept(ctx, cfg, logger, opts)
	case "connect":
		if opts.peer == "" {
			return errors.New("--peer is required")
		}
		return runConnect(ctx, cfg, logger, opts)
	}
	printHelp()
	return fmt.Errorf("unknown command %q", cmd)
}

func runRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	broker := lens2.NewBroker()
	defer broker.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(logger))
	mux.Handle("/lens2", broker)
	srv := &http.Server{Addr: cfg.Relay.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info().Str("listen", cfg.Relay.Listen).Msg("relay is running")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func signalerFactory(cfg *config.Config, logger zerolog.Logger) (signaler.Factory, error) {
	switch cfg.Signaler.Kind {
	case "ws":
		return ws.Factory(cfg.Signaler.Endpoint, logger), nil
	case "lens2":
		return lens2.Factory(cfg.Signaler.Endpoint, logger), nil
	}
	return nil, fmt.Errorf("signaler %q does not work across processes", cfg.Signaler.Kind)
}

func newWebRTC(cfg *config.Config, logger zerolog.Logger) (w *nearbyrtc.WebRTC, closer func(), err error) {
	defer err2.Handle(&err)
	factory := try.To1(signalerFactory(cfg, logger))
	m := try.To1(medium.New(medium.Options{
		ICEServers:      cfg.WebRTCICEServers(),
		UDPPort:         cfg.UDPPort,
		IncludeLoopback: cfg.IncludeLoopback,
		Signaler:        factory,
		Logger:          logger,
	}))
	w = nearbyrtc.New(m, cfg, logger)
	return w, func() {
		w.Close()
		m.Close()
	}, nil
}

func runAccept(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts options) (err error) {
	defer err2.Handle(&err)
	w, closer := try.To2(newWebRTC(cfg, logger))
	defer closer()

	accepted := make(chan *socket.Socket, 1)
	ok := w.StartAcceptingConnections(opts.service, nearbyrtc.PeerIDFromString(opts.id), func(_ string, s *socket.Socket) {
		accepted <- s
	})
	if !ok {
		return errors.New("failed to start accepting connections")
	}
	defer w.StopAcceptingConnections(opts.service)
	fmt.Fprintf(os.Stderr, "nearbyrtc: accepting as %s on service %s\n", opts.id, opts.service)

	select {
	case <-ctx.Done():
		return nil
	case s := <-accepted:
		return pipe(ctx, s)
	}
}

func runConnect(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts options) (err error) {
	defer err2.Handle(&err)
	w, closer := try.To2(newWebRTC(cfg, logger))
	defer closer()

	s := try.To1(w.Connect(ctx, nearbyrtc.PeerIDFromString(opts.peer)))
	return pipe(ctx, s)
}

// pipe copies stdin to s and s to stdout until either side ends.
func pipe(ctx context.Context, s *socket.Socket) error {
	defer s.Close()
	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(s, os.Stdin)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, s)
		errCh <- err
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func printHelp() {
	fmt.Fprint(os.Stderr, `nearbyrtc moves bytes between two peers over a WebRTC data channel.

Usage:
  nearbyrtc relay   [--listen :8080]
  nearbyrtc accept  --id <peer id> [--service <service id>]
  nearbyrtc connect --peer <peer id>

Common flags:
  --config <file>      yaml config, NEARBYRTC_* env vars override it
  --signaler ws|lens2  signaling transport
  --endpoint <url>     signaling endpoint
`)
}
