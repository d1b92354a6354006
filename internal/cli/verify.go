package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/verify"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/sirupsen/logrus"
)

// firstFrameTimeout bounds how long a command waits for the camera to deliver
// its first frame
const firstFrameTimeout = 5 * time.Second

// RunVerify runs the interactive attendance kiosk
func RunVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	device := fs.String("device", "", "Camera device (overrides config)")
	once := fs.Bool("once", false, "Verify a single frame and exit")
	verbose := fs.Bool("verbose", false, "Enable verbose output")
	_ = fs.Parse(args)

	cfg, logger := loadConfig(*configPath, *verbose)
	if *device != "" {
		cfg.Camera.Device = *device
	}

	kiosk, err := NewKiosk(context.Background(), cfg, logger, os.Stdout)
	if err != nil {
		logger.Fatalf("Failed to start kiosk: %v", err)
	}
	defer func() {
		if err := kiosk.Close(); err != nil {
			logger.Errorf("Failed to close kiosk: %v", err)
		}
	}()

	if *once {
		res, err := kiosk.VerifyOnce(context.Background())
		if err != nil || res.Outcome != verify.OutcomeMatch {
			_ = kiosk.Close()
			os.Exit(1)
		}
		return
	}

	if err := kiosk.Loop(os.Stdin); err != nil {
		logger.Errorf("Kiosk stopped: %v", err)
	}
}

// Kiosk is a verification controller bound to terminal surfaces
type Kiosk struct {
	Controller *verify.Controller
	Status     *TerminalStatus
	Trigger    *TerminalControl

	out     io.Writer
	logger  *logrus.Logger
	closers []io.Closer
}

// NewKiosk opens the camera (when configured to) and wires the controller to
// the terminal
func NewKiosk(ctx context.Context, cfg *config.Config, logger *logrus.Logger, out io.Writer) (*Kiosk, error) {
	client, err := NewClient(ctx, cfg, logger, false)
	if err != nil {
		return nil, err
	}

	k := &Kiosk{
		Status:  NewTerminalStatus(out),
		Trigger: &TerminalControl{},
		out:     out,
		logger:  logger,
	}

	opts := verify.Options{
		Session:   NewSession(cfg, logger),
		Capturer:  NewCapturer(cfg),
		Service:   client,
		Status:    k.Status,
		Trigger:   k.Trigger,
		HideAfter: cfg.SuccessHide(),
		Logger:    logger,
	}
	if cfg.UI.Bell {
		opts.Cue = Bell{Out: out}
	}
	if store := openJournal(cfg, logger); store != nil {
		opts.Journal = store
		k.closers = append(k.closers, store)
	}

	k.Controller = verify.New(opts)

	if cfg.UI.AutoStartCamera {
		if err := k.start(ctx); err != nil {
			logger.Warnf("Camera unavailable: %v", err)
		}
	}
	return k, nil
}

func (k *Kiosk) start(ctx context.Context) error {
	if err := k.Controller.Start(ctx); err != nil {
		return err
	}
	return k.Controller.WaitReady(ctx, firstFrameTimeout)
}

// VerifyOnce starts the camera if needed and runs a single verification
func (k *Kiosk) VerifyOnce(ctx context.Context) (*verify.Result, error) {
	if !k.Controller.Ready() {
		if err := k.start(ctx); err != nil {
			return nil, err
		}
	}
	return k.Controller.Verify(ctx)
}

// Loop reads Enter presses from in and verifies on each one until EOF or a
// termination signal. A signal also cancels the request in flight.
func (k *Kiosk) Loop(in io.Reader) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return k.loop(ctx, in)
}

func (k *Kiosk) loop(ctx context.Context, in io.Reader) error {
	done := make(chan struct{})
	defer close(done)
	lines, readErr, _ := readInput(in, done)

	k.prompt()
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Received shutdown signal, stopping kiosk")
			return nil

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)

		case <-lines:
			if !k.Trigger.Enabled() {
				fmt.Fprintf(k.out, "%s\n", k.Trigger.Label())
				continue
			}
			if _, err := k.Controller.Verify(ctx); err != nil {
				k.logger.Debugf("Verification ended with %s: %v", workflow.Classify(err), err)
			}
			k.prompt()
		}
	}
}

// readInput forwards one value per line of in until in fails or done is
// closed. stopped is closed when the reader goroutine exits.
func readInput(in io.Reader, done <-chan struct{}) (lines <-chan struct{}, errs <-chan error, stopped <-chan struct{}) {
	lineCh := make(chan struct{})
	errCh := make(chan error, 1)
	stopCh := make(chan struct{})

	go func() {
		defer close(stopCh)
		reader := bufio.NewReader(in)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- struct{}{}:
			case <-done:
				return
			}
		}
	}()

	return lineCh, errCh, stopCh
}

func (k *Kiosk) prompt() {
	fmt.Fprintf(k.out, "Press Enter to %s (Ctrl+C to exit)\n", k.Trigger.Label())
}

// Close tears down the camera and the journal
func (k *Kiosk) Close() error {
	err := k.Controller.Close()
	for _, c := range k.closers {
		_ = c.Close()
	}
	k.closers = nil
	return err
}
