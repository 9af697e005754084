// Package config holds the settings a peerlink session is built from.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Helper executable base names inside BinDir
const (
	StunClientName    = "stun_client"
	UDPConnectionName = "udp_connection"
	UDPServerName     = "udp_server"
	UDPClientName     = "udp_client"
)

const (
	DefaultLocalPort       = 321
	DefaultStunServer      = "stun.l.google.com:19302"
	DefaultAckTimeout      = 10 * time.Second
	DefaultResponseTimeout = 30 * time.Second
	DefaultKillTimeout     = 5 * time.Second
	DefaultSignalingURL    = "ws://localhost:8080/ws"
	DefaultRoom            = "lobby"
)

// EnvPrefix prefixes every environment variable Load reads
const EnvPrefix = "PEERLINK_"

// Config is built once at startup and passed down to the session
type Config struct {
	// BinDir holds the helper executables
	BinDir    string
	LocalPort int

	// StunServer is handed to the STUN helper as STUN_SERVER
	StunServer string

	AckTimeout      time.Duration
	ResponseTimeout time.Duration
	KillTimeout     time.Duration

	SignalingURL string
	Room         string
	DisplayName  string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Default returns the built-in configuration. BinDir is the bin directory next
// to the running executable.
func Default() Config {
	return Config{
		BinDir:          defaultBinDir(),
		LocalPort:       DefaultLocalPort,
		StunServer:      DefaultStunServer,
		AckTimeout:      DefaultAckTimeout,
		ResponseTimeout: DefaultResponseTimeout,
		KillTimeout:     DefaultKillTimeout,
		SignalingURL:    DefaultSignalingURL,
		Room:            DefaultRoom,
		DisplayName:     defaultName(),
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

func defaultBinDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "bin"
	}
	return filepath.Join(filepath.Dir(exe), "bin")
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "peer"
	}
	return host
}

// Load starts from Default, applies the dotenv files that exist and then the
// process environment. Environment variables win over file values. Missing
// files are skipped; unreadable ones are an error.
func Load(files ...string) (Config, error) {
	fileVars := make(map[string]string)
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		vars, err := godotenv.Read(f)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read %s", f)
		}
		for k, v := range vars {
			fileVars[k] = v
		}
	}

	lookup := func(key string) (string, bool) {
		key = EnvPrefix + key
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}

	cfg := Default()
	setString(lookup, "BIN_DIR", &cfg.BinDir)
	setString(lookup, "STUN_SERVER", &cfg.StunServer)
	setString(lookup, "SIGNALING_URL", &cfg.SignalingURL)
	setString(lookup, "ROOM", &cfg.Room)
	setString(lookup, "NAME", &cfg.DisplayName)
	setString(lookup, "LOG_LEVEL", &cfg.LogLevel)
	setString(lookup, "LOG_FORMAT", &cfg.LogFormat)
	setString(lookup, "LOG_FILE", &cfg.LogFile)

	if v, ok := lookup("LOCAL_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "%sLOCAL_PORT", EnvPrefix)
		}
		cfg.LocalPort = port
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ACK_TIMEOUT", &cfg.AckTimeout},
		{"RESPONSE_TIMEOUT", &cfg.ResponseTimeout},
		{"KILL_TIMEOUT", &cfg.KillTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "%s%s", EnvPrefix, d.key)
		}
		*d.dst = parsed
	}

	return cfg, cfg.Validate()
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks ranges that would otherwise surface as confusing helper
// failures later on
func (c Config) Validate() error {
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return errors.Errorf("local port %d out of range 1-65535", c.LocalPort)
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack timeout must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return errors.New("response timeout must be positive")
	}
	if c.KillTimeout <= 0 {
		return errors.New("kill timeout must be positive")
	}
	if c.BinDir == "" {
		return errors.New("bin dir is empty")
	}
	return nil
}

// Executable returns the path of the named helper inside BinDir, with the
// platform's executable suffix.
func (c Config) Executable(name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.BinDir, name)
}

func (c Config) StunClientPath() string    { return c.Executable(StunClientName) }
func (c Config) UDPConnectionPath() string { return c.Executable(UDPConnectionName) }
func (c Config) UDPServerPath() string     { return c.Executable(UDPServerName) }
func (c Config) UDPClientPath() string     { return c.Executable(UDPClientName) }
