// Command peerlink negotiates a direct peer to peer stream between two hosts.
// It discovers the public address with a STUN helper, performs the peer
// handshake through the udp_connection helper and hands over to the stream
// server or client helper.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/saintparish4/peerlink/internal/config"
)

var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

// go build -ldflags "-X main.version=v0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X 'main.buildDate=$(date +%Y-%m-%d)'" -o peerlink ./cmd/peerlink

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options holds the flags shared by every command
type options struct {
	envFiles     []string
	binDir       string
	localPort    int
	stunServer   string
	signalingURL string
	room         string
	name         string
	join         bool
	logLevel     string
	logFormat    string
	logFile      string
	ackTimeout   time.Duration
	respTimeout  time.Duration
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "peerlink",
		Short: "Negotiate a direct peer to peer stream",
		Long: `peerlink discovers your public address, connects to a peer's address and
negotiates which side serves the stream. Without a subcommand it starts the
interactive terminal UI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to read (missing files are skipped)")
	flags.StringVar(&opts.binDir, "bin-dir", "", "directory holding the helper executables")
	flags.IntVarP(&opts.localPort, "port", "p", 0, "local UDP port")
	flags.StringVar(&opts.stunServer, "stun", "", "STUN server host:port")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file")
	flags.DurationVar(&opts.ackTimeout, "ack-timeout", 0, "how long to wait for a peer acknowledgement")
	flags.DurationVar(&opts.respTimeout, "response-timeout", 0, "how long to wait for the peer's stream decision")

	rootFlags := root.Flags()
	rootFlags.BoolVar(&opts.join, "join", false, "exchange addresses through the signaling server")
	rootFlags.StringVar(&opts.signalingURL, "signal-url", "", "signaling server WebSocket URL")
	rootFlags.StringVar(&opts.room, "room", "", "signaling room to join")
	rootFlags.StringVar(&opts.name, "name", "", "display name announced to the room")

	root.AddCommand(
		newDiscoverCmd(opts),
		newConnectCmd(opts),
		newSignalCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads dotenv files and the environment, then applies the flags
// the user actually set.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return cfg, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("bin-dir") {
		cfg.BinDir = opts.binDir
	}
	if changed("port") {
		cfg.LocalPort = opts.localPort
	}
	if changed("stun") {
		cfg.StunServer = opts.stunServer
	}
	if changed("signal-url") {
		cfg.SignalingURL = opts.signalingURL
	}
	if changed("room") {
		cfg.Room = opts.room
	}
	if changed("name") {
		cfg.DisplayName = opts.name
	}
	if changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	if changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if changed("ack-timeout") {
		cfg.AckTimeout = opts.ackTimeout
	}
	if changed("response-timeout") {
		cfg.ResponseTimeout = opts.respTimeout
	}

	return cfg, cfg.Validate()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	parts := []string{"peerlink " + version}
	if commit != "" {
		parts = append(parts, "commit "+commit)
	}
	if buildDate != "" {
		parts = append(parts, "built "+buildDate)
	}
	return strings.Join(parts, ", ")
}
