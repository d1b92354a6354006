package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/MrCodeEU/FaceAttend/internal/api"
	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/capture"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/journal"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the logger for a command. verbose forces debug level.
func NewLogger(cfg *config.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			logger.Warnf("Failed to open log file %s, logging to stderr: %v", cfg.Logging.File, err)
		} else {
			logger.SetOutput(f)
		}
	}
	return logger
}

// loadConfig loads and validates configuration, falling back to defaults
// when the file cannot be read.
func loadConfig(path string, verbose bool) (*config.Config, *logrus.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger := logrus.New()
		logger.Warnf("Using default configuration: %v", err)
		cfg = config.DefaultConfig()
	}

	logger := NewLogger(cfg, verbose)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	return cfg, logger
}

// NewClient creates the api client and opens an admin session when admin is
// set and a password is configured.
func NewClient(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, admin bool) (*api.Client, error) {
	client, err := api.NewClient(cfg.Server.BaseURL, cfg.RequestTimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if admin && cfg.Server.AdminPassword != "" {
		if err := client.Login(ctx, cfg.Server.AdminPassword); err != nil {
			return nil, fmt.Errorf("failed to log in to %s: %w", cfg.Server.BaseURL, err)
		}
	}
	return client, nil
}

// NewCapturer returns a capturer using the configured quality and fallback
func NewCapturer(cfg *config.Config) *capture.Capturer {
	return &capture.Capturer{
		Quality:        cfg.Capture.Quality,
		FallbackWidth:  cfg.Capture.FallbackWidth,
		FallbackHeight: cfg.Capture.FallbackHeight,
	}
}

// NewSession creates a session on the configured V4L2 device
func NewSession(cfg *config.Config, logger logrus.FieldLogger, opts ...camera.SessionOption) *camera.Session {
	opts = append([]camera.SessionOption{camera.WithLogger(logger)}, opts...)
	return camera.NewSession(cfg.Camera, camera.V4L2Opener(logger), opts...)
}

// openJournal opens the attempt journal. A journal that cannot be opened is
// logged and skipped.
func openJournal(cfg *config.Config, logger logrus.FieldLogger) *journal.Store {
	store, err := journal.NewStore(cfg.Storage.JournalPath)
	if err != nil {
		logger.Warnf("Attempt journal disabled: %v", err)
		return nil
	}
	return store
}

func printBanner(title string) {
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}
