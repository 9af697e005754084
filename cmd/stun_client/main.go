// Command stun_client reports the public socket a NAT maps a local UDP port
// to. It prints one ip:port line whenever a query succeeds and repeats the
// query periodically so the mapping stays alive.
//
// Usage: stun_client <local_port>
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/saintparish4/peerlink/internal/logging"
	"github.com/saintparish4/peerlink/pkg/stun"
)

const queryInterval = 30 * time.Second

func main() {
	logging.Setup(os.Getenv("PEERLINK_LOG_LEVEL"), os.Getenv("PEERLINK_LOG_FORMAT"))

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: stun_client <local_port>")
		os.Exit(2)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port < 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid local port: %s\n", os.Args[1])
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the parent closes stdin when it is done with us
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		io.Copy(io.Discard, os.Stdin)
		cancel()
	}()

	if err := run(ctx, stun.NewClient(os.Getenv("STUN_SERVER"), port)); err != nil {
		slog.Error("stun client failed", "err", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, client *stun.Client) error {
	conn, err := client.Listen()
	if err != nil {
		return err
	}
	defer conn.Close()

	slog.Debug("querying", "server", client.ServerAddr, "local", conn.LocalAddr().String())

	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()

	for {
		sock, err := client.Query(ctx, conn)
		if err != nil {
			slog.Warn("query failed", "server", client.ServerAddr, "err", err.Error())
		} else {
			fmt.Println(sock)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
