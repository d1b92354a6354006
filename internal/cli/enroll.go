package cli

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/capture"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/enroll"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/sirupsen/logrus"
)

// refreshWait bounds how long a command waits for the roster refresh after a
// successful change
const refreshWait = 5 * time.Second

// RunEnroll runs the enrollment CLI
func RunEnroll(args []string) {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	name := fs.String("name", "", "Student name to enroll")
	imagePath := fs.String("image", "", "Image file to upload (takes precedence over -capture)")
	useWebcam := fs.Bool("capture", false, "Capture the enrollment photo from the webcam")
	preview := fs.String("preview", "", "Write the captured photo to this path")
	configPath := fs.String("config", "", "Path to configuration file")
	listRoster := fs.Bool("list", false, "List the last known roster")
	verbose := fs.Bool("verbose", false, "Enable verbose output")
	_ = fs.Parse(args)

	cfg, logger := loadConfig(*configPath, *verbose)

	if *listRoster {
		if err := listCachedRoster(cfg, logger); err != nil {
			logger.Fatalf("Failed to list roster: %v", err)
		}
		return
	}

	if *name == "" {
		fmt.Println("Usage: faceattend enroll -name <student> [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  faceattend enroll -name \"Ada Lovelace\" -capture     # Enroll from the webcam")
		fmt.Println("  faceattend enroll -name \"Ada Lovelace\" -image a.jpg # Enroll with a photo")
		fmt.Println("  faceattend enroll -name \"Ada Lovelace\"              # Enroll with a placeholder")
		fmt.Println("  faceattend enroll -list                              # List the roster")
		os.Exit(1)
	}

	opts := enrollOptions{
		name:      *name,
		imagePath: *imagePath,
		capture:   *useWebcam,
		preview:   *preview,
	}
	if err := enrollStudent(cfg, opts, logger); err != nil {
		logger.Fatalf("Enrollment failed: %v", err)
	}
}

type enrollOptions struct {
	name      string
	imagePath string
	capture   bool
	preview   string
}

// adminDesk is an enrollment controller bound to terminal surfaces
type adminDesk struct {
	ctrl    *enroll.Controller
	status  *TerminalStatus
	roster  *RosterPrinter
	in      *bufio.Reader
	closers []io.Closer
}

func newAdminDesk(ctx context.Context, cfg *config.Config, logger *logrus.Logger, onCapture func(*capture.Still), skipConfirm bool) (*adminDesk, error) {
	client, err := NewClient(ctx, cfg, logger, true)
	if err != nil {
		return nil, err
	}

	d := &adminDesk{
		status: NewTerminalStatus(os.Stdout),
		roster: NewRosterPrinter(os.Stdout),
		in:     bufio.NewReader(os.Stdin),
	}

	opts := enroll.Options{
		Session:      NewSession(cfg, logger),
		Capturer:     NewCapturer(cfg),
		Service:      client,
		Status:       d.status,
		Submit:       &TerminalControl{},
		Refresher:    d.roster,
		RefreshDelay: cfg.RefreshDelay(),
		OnCapture:    onCapture,
		Logger:       logger,
	}
	if skipConfirm {
		opts.Confirm = workflow.ConfirmerFunc(func(string) bool { return true })
	} else {
		opts.Confirm = PromptConfirmer{In: d.in, Out: os.Stdout}
	}
	if store := openJournal(cfg, logger); store != nil {
		opts.Journal = store
		d.closers = append(d.closers, store)
	}

	d.ctrl = enroll.New(opts)
	return d, nil
}

// waitRefresh blocks until the roster has been refreshed
func (d *adminDesk) waitRefresh() {
	select {
	case <-d.roster.Done:
	case <-time.After(refreshWait):
	}
}

func (d *adminDesk) Close() error {
	err := d.ctrl.Close()
	for _, c := range d.closers {
		_ = c.Close()
	}
	d.closers = nil
	return err
}

func enrollStudent(cfg *config.Config, opts enrollOptions, logger *logrus.Logger) error {
	printBanner("FaceAttend Enrollment")
	fmt.Printf("Student: %s\n\n", opts.name)

	ctx, cancel := signalContext()
	defer cancel()

	onCapture := func(still *capture.Still) {
		if opts.preview == "" {
			return
		}
		data, _ := still.Blob()
		if err := os.WriteFile(opts.preview, data, 0644); err != nil {
			logger.Warnf("Failed to write preview: %v", err)
		}
	}

	desk, err := newAdminDesk(ctx, cfg, logger, onCapture, false)
	if err != nil {
		return err
	}
	defer func() { _ = desk.Close() }()

	var upload *enroll.Upload
	if opts.imagePath != "" {
		upload, err = enroll.LoadUpload(opts.imagePath)
		if err != nil {
			return err
		}
	}

	if opts.capture && upload == nil {
		if err := captureFromWebcam(ctx, desk); err != nil {
			return err
		}
	}

	if err := desk.ctrl.Submit(ctx, opts.name, upload); err != nil {
		return err
	}
	desk.waitRefresh()
	return nil
}

func captureFromWebcam(ctx context.Context, desk *adminDesk) error {
	fmt.Println("Initializing camera...")
	if err := desk.ctrl.ToggleCamera(ctx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, firstFrameTimeout)
	defer cancel()
	if err := desk.ctrl.WaitReady(waitCtx); err != nil {
		return err
	}
	fmt.Println("Camera ready.")
	fmt.Println()
	fmt.Println("1. Position the student in front of the camera")
	fmt.Println("2. Ensure good lighting on the face")
	fmt.Println("3. Press Enter to capture; each capture replaces the previous one")
	fmt.Println()

	for {
		fmt.Print("Press Enter to capture...")
		line, err := desk.in.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("capture cancelled: %w", err)
		}
		if err := desk.ctrl.Capture(); err != nil {
			continue
		}
		if !desk.confirmKeep() {
			continue
		}
		break
	}

	return desk.ctrl.ToggleCamera(ctx)
}

func (d *adminDesk) confirmKeep() bool {
	fmt.Print("Keep this photo? [Y/r]: ")
	line, _ := d.in.ReadString('\n')
	return !strings.EqualFold(strings.TrimSpace(line), "r")
}

// RunRemove runs the removal CLI
func RunRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	name := fs.String("name", "", "Student name to remove")
	configPath := fs.String("config", "", "Path to configuration file")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	verbose := fs.Bool("verbose", false, "Enable verbose output")
	_ = fs.Parse(args)

	cfg, logger := loadConfig(*configPath, *verbose)

	if *name == "" {
		fmt.Println("Usage: faceattend remove -name <student> [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	desk, err := newAdminDesk(ctx, cfg, logger, nil, *yes)
	if err != nil {
		logger.Fatalf("Removal failed: %v", err)
	}
	defer func() { _ = desk.Close() }()

	if err := desk.ctrl.Remove(ctx, *name, &TerminalControl{}); err != nil {
		_ = desk.Close()
		logger.Fatalf("Removal failed: %v", err)
	}
	if desk.ctrl.State().Phase == workflow.PhaseIdle {
		fmt.Println("Removal cancelled.")
		return
	}
	desk.waitRefresh()
}

func listCachedRoster(cfg *config.Config, logger *logrus.Logger) error {
	store := openJournal(cfg, logger)
	if store == nil {
		return fmt.Errorf("journal unavailable at %s", cfg.Storage.JournalPath)
	}
	defer func() { _ = store.Close() }()

	names, err := store.Roster()
	if err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	printRoster(os.Stdout, names)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
