// Package daemon runs the attendance kiosk in the background, taking
// verification triggers from a Unix socket.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/cli"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/verify"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/sirupsen/logrus"
)

// Version is reported by -version
const Version = "0.3.0"

// Socket commands
const (
	CmdVerify = "VERIFY"
	CmdStatus = "STATUS"
	CmdPing   = "PING"
)

// requestTimeout bounds one VERIFY command, camera wait included
const requestTimeout = 30 * time.Second

// Run starts the daemon with the given arguments
func Run(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	version := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	if *version {
		printVersion()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Warnf("Failed to load config from %s: %v", *configPath, err)
		logrus.Info("Using default configuration")
		cfg = config.DefaultConfig()
	}
	logger := cli.NewLogger(cfg, *verbose)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel, reload := setupSignalHandling(logger)
	defer cancel()

	logger.Info("Starting FaceAttend daemon...")
	for {
		err := runDaemon(ctx, reload, cfg, logger)
		if err != nil && !errors.Is(err, errReload) {
			logger.Fatalf("Daemon error: %v", err)
		}
		if ctx.Err() != nil {
			return
		}

		newCfg, err := config.Load(*configPath)
		if err != nil {
			logger.Errorf("Failed to reload config: %v", err)
			continue
		}
		if err := newCfg.Validate(); err != nil {
			logger.Errorf("Invalid configuration on reload: %v", err)
			continue
		}
		cfg = newCfg
		logger.Info("Configuration reloaded successfully")
	}
}

var errReload = errors.New("reload requested")

func setupSignalHandling(logger *logrus.Logger) (context.Context, context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	reload := make(chan struct{}, 1)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received shutdown signal")
				cancel()
			case syscall.SIGHUP:
				logger.Info("Received reload signal (SIGHUP)")
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ctx, cancel, reload
}

// runDaemon serves one configuration generation. It returns errReload when a
// reload was requested.
func runDaemon(ctx context.Context, reload <-chan struct{}, cfg *config.Config, logger *logrus.Logger) error {
	kiosk, err := cli.NewKiosk(ctx, cfg, logger, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to create kiosk: %w", err)
	}
	defer func() {
		if err := kiosk.Close(); err != nil {
			logger.Errorf("Failed to close kiosk: %v", err)
		}
	}()

	srv, err := Listen(socketPath(cfg, logger), kioskVerifier{kiosk}, logger)
	if err != nil {
		return err
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	var reloading atomic.Bool
	go func() {
		select {
		case <-reload:
			reloading.Store(true)
			stop()
		case <-serveCtx.Done():
		}
	}()

	if err := srv.Serve(serveCtx); err != nil {
		return err
	}
	logger.Info("Daemon shutting down...")
	if reloading.Load() {
		return errReload
	}
	return nil
}

func socketPath(cfg *config.Config, logger logrus.FieldLogger) string {
	path := cfg.Daemon.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warnf("Failed to create socket directory: %v", err)
		path = filepath.Join(os.TempDir(), "faceattend.sock")
	}
	return path
}

// Verifier runs one verification on demand
type Verifier interface {
	Verify(ctx context.Context) (*verify.Result, error)
	Ready() bool
}

type kioskVerifier struct {
	kiosk *cli.Kiosk
}

func (v kioskVerifier) Verify(ctx context.Context) (*verify.Result, error) {
	return v.kiosk.VerifyOnce(ctx)
}

func (v kioskVerifier) Ready() bool {
	return v.kiosk.Controller.Ready()
}

// Server accepts line-oriented commands on a Unix socket
type Server struct {
	path     string
	listener net.Listener
	verifier Verifier
	logger   logrus.FieldLogger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// Listen binds the socket at path, replacing a stale one
func Listen(path string, v Verifier, logger logrus.FieldLogger) (*Server, error) {
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		logger.Warnf("Failed to set socket permissions: %v", err)
	}

	logger.Infof("Daemon listening on %s", path)
	return &Server{
		path:     path,
		listener: listener,
		verifier: v,
		logger:   logger,
		timeout:  requestTimeout,
	}, nil
}

// Path returns the socket path
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until ctx is cancelled, then removes the socket
// and waits for open connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	defer func() { _ = os.Remove(s.path) }()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Errorf("Accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if cmd == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, s.execute(ctx, cmd)); err != nil {
			s.logger.Debugf("Write error: %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debugf("Read error: %v", err)
	}
}

func (s *Server) execute(ctx context.Context, cmd string) string {
	switch cmd {
	case CmdPing:
		return "PONG"

	case CmdStatus:
		if s.verifier.Ready() {
			return "READY"
		}
		return "UNAVAILABLE"

	case CmdVerify:
		s.logger.Info("Verification requested over socket")
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := s.verifier.Verify(reqCtx)
		switch {
		case errors.Is(err, workflow.ErrBusy):
			return "BUSY"
		case res != nil && res.Outcome == verify.OutcomeMatch:
			return "SUCCESS " + res.Name
		case res != nil && res.Outcome == verify.OutcomeNoMatch:
			return "FAILED"
		case err != nil:
			return "ERROR: " + err.Error()
		default:
			return "ERROR: " + res.Message
		}

	default:
		return "ERROR: unknown command " + cmd
	}
}

func printVersion() {
	fmt.Println("FaceAttend Daemon")
	fmt.Println("=================")
	fmt.Println("Version: " + Version)
	fmt.Println("License: MIT")
}
