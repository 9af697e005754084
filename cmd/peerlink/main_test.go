package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd(&options{})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "peerlink ") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PEERLINK_LOCAL_PORT", "4000")
	t.Setenv("PEERLINK_STUN_SERVER", "stun.example.net:3478")
	t.Setenv("PEERLINK_BIN_DIR", dir)

	tests := []struct {
		name     string
		args     []string
		wantPort int
		wantStun string
		wantAck  time.Duration
	}{
		{
			name:     "environment",
			args:     nil,
			wantPort: 4000,
			wantStun: "stun.example.net:3478",
			wantAck:  10 * time.Second,
		},
		{
			name:     "flags win",
			args:     []string{"--port", "5000", "--stun", "stun.other.net:19302", "--ack-timeout", "2s"},
			wantPort: 5000,
			wantStun: "stun.other.net:19302",
			wantAck:  2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &options{}
			root := newRootCmd(opts)
			args := append([]string{"--env-file", filepath.Join(dir, "missing.env")}, tt.args...)
			if err := root.ParseFlags(args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}

			cfg, err := loadConfig(root, opts)
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if cfg.LocalPort != tt.wantPort {
				t.Errorf("expected port %d, got %d", tt.wantPort, cfg.LocalPort)
			}
			if cfg.StunServer != tt.wantStun {
				t.Errorf("expected stun %s, got %s", tt.wantStun, cfg.StunServer)
			}
			if cfg.AckTimeout != tt.wantAck {
				t.Errorf("expected ack timeout %v, got %v", tt.wantAck, cfg.AckTimeout)
			}
			if cfg.BinDir != dir {
				t.Errorf("expected bin dir %s, got %s", dir, cfg.BinDir)
			}
		})
	}
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	opts := &options{}
	root := newRootCmd(opts)
	if err := root.ParseFlags([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "--port", "70000"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := loadConfig(root, opts); err == nil {
		t.Error("expected out of range port to be rejected")
	}
}

func TestConnectRequiresPeer(t *testing.T) {
	root := newRootCmd(&options{})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"connect"})

	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "peer") {
		t.Errorf("expected missing --peer error, got %v", err)
	}
}
