package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/saintparish4/peerlink/internal/config"
	"github.com/saintparish4/peerlink/internal/controller"
	"github.com/saintparish4/peerlink/internal/logging"
	"github.com/saintparish4/peerlink/internal/session"
	"github.com/saintparish4/peerlink/internal/signaling"
	"github.com/saintparish4/peerlink/internal/tui"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func sessionConfig(cfg config.Config, notify func(session.Event)) session.Config {
	return session.Config{
		AckTimeout:      cfg.AckTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		Notify:          notify,
		Logger:          slog.Default(),
	}
}

func runTUI(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	closer, err := logging.SetupFile(cfg.LogFile, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	tuiOpts := tui.Options{Session: sessionConfig(cfg, nil)}
	if opts.join {
		client := signaling.NewClient(cfg.SignalingURL, cfg.Room)
		client.DisplayName = cfg.DisplayName
		client.Logger = slog.Default()
		tuiOpts.Signaling = client
	}

	slog.Info("starting", "version", version, "local_port", cfg.LocalPort, "bin_dir", cfg.BinDir)
	return tui.Run(ctx, controller.NewNetworkController(cfg, slog.Default()), tuiOpts)
}

func newDiscoverCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the public address the STUN helper discovers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			found := make(chan string, 1)
			notify := func(ev session.Event) {
				if ev.Kind == session.EventPublicSocket {
					select {
					case found <- ev.Text:
					default:
					}
				}
			}

			sess := session.New(controller.NewNetworkController(cfg, slog.Default()), sessionConfig(cfg, notify))
			defer sess.Close()
			if err := sess.Start(); err != nil {
				return err
			}

			select {
			case addr := <-found:
				fmt.Fprintln(cmd.OutOrStdout(), addr)
				return nil
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "no address discovered")
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "give up after this long")
	return cmd
}

func newConnectCmd(opts *options) *cobra.Command {
	var (
		peer    string
		request bool
		accept  bool
	)

	cmd := &cobra.Command{
		Use:   "connect --peer IP:PORT",
		Short: "Run a session without the terminal UI",
		Long: `connect discovers the public address, links to the peer and either requests
a stream (--request) or waits for the peer's request, answering it with
--accept or rejecting it. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runHeadless(ctx, cmd, cfg, peer, request, accept)
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer public address (required)")
	cmd.Flags().BoolVar(&request, "request", false, "request the stream once linked")
	cmd.Flags().BoolVar(&accept, "accept", false, "accept the peer's stream request")
	cmd.MarkFlagRequired("peer")
	return cmd
}

func runHeadless(ctx context.Context, cmd *cobra.Command, cfg config.Config, peer string, request, accept bool) error {
	out := cmd.OutOrStdout()
	events := make(chan session.Event, 64)
	notify := func(ev session.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	sess := session.New(controller.NewNetworkController(cfg, slog.Default()), sessionConfig(cfg, notify))
	defer sess.Close()

	if err := sess.Start(); err != nil {
		return err
	}
	if err := sess.SubmitPeerAddress(peer); err != nil {
		return err
	}
	fmt.Fprintf(out, "linking to %s\n", peer)

	if request {
		go func() {
			if err := sess.RequestStream(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(out, "stream request failed: %v\n", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case session.EventPublicSocket:
				fmt.Fprintf(out, "your address: %s\n", ev.Text)
			case session.EventStatus:
				fmt.Fprintln(out, ev.Text)
			case session.EventStreamRequested:
				fmt.Fprintln(out, "peer requests a stream")
				go func() {
					if err := sess.AnswerStreamRequest(ctx, accept); err != nil && ctx.Err() == nil {
						fmt.Fprintf(out, "answer failed: %v\n", err)
					}
				}()
			case session.EventStreamDenied:
				fmt.Fprintln(out, "stream denied")
			case session.EventStreamStarted:
				fmt.Fprintf(out, "streaming as %s\n", ev.Text)
			case session.EventError:
				fmt.Fprintf(out, "error: %v\n", ev.Err)
			case session.EventStateChanged:
				slog.Debug("state", "state", ev.State.String())
			}
		}
	}
}

func newSignalCmd(opts *options) *cobra.Command {
	var (
		addr     string
		maxPeers int
	)

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Run a signaling server peers use to swap addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			level, format := cfg.LogLevel, cfg.LogFormat
			if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
				level = opts.logLevel
			}
			if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
				format = opts.logFormat
			}
			logging.Setup(level, format)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			scfg := signaling.DefaultConfig()
			scfg.Addr = addr
			scfg.MaxRoomPeers = maxPeers
			scfg.Logger = slog.Default()
			return signaling.NewServer(scfg).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&maxPeers, "max-peers", 0, "peers allowed per room (0 = unlimited)")
	return cmd
}
