package daemon

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/config"
)

// Send writes one command to the daemon at path and returns its reply
func Send(ctx context.Context, path, cmd string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// RunTrigger sends a command to a running daemon. The exit status is 0 only
// for SUCCESS, READY and PONG replies.
func RunTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	socket := fs.String("socket", "", "Daemon socket (overrides config)")
	_ = fs.Parse(args)

	cmd := CmdVerify
	if fs.NArg() > 0 {
		cmd = strings.ToUpper(fs.Arg(0))
	}

	path := *socket
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			cfg = config.DefaultConfig()
		}
		path = cfg.Daemon.SocketPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+5*time.Second)
	defer cancel()

	reply, err := Send(ctx, path, cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(2)
	}

	fmt.Println(reply)
	if !strings.HasPrefix(reply, "SUCCESS") && reply != "READY" && reply != "PONG" {
		cancel()
		os.Exit(1)
	}
}
