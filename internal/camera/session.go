package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/sirupsen/logrus"
)

// Toggle labels for the start/stop affordance
const (
	LabelStart = "Use Webcam"
	LabelStop  = "Stop Webcam"
)

// ErrInactive is returned when reading from a session that is not streaming
var ErrInactive = errors.New("camera session is not active")

// drainTimeout bounds how long Stop waits for the frame pump after closing
// the device.
const drainTimeout = 2 * time.Second

// Snapshot is the most recent frame of an active session. Image is nil and the
// size is zero until the first frame arrives.
type Snapshot struct {
	Image    image.Image
	Width    int
	Height   int
	Sequence uint32
	Taken    time.Time
}

// Session owns at most one open capture device. Start and Stop are
// idempotent; Close force-stops and must be deferred by whoever creates the
// session so the hardware is released on teardown.
type Session struct {
	mu        sync.Mutex
	cfg       config.CameraConfig
	open      Opener
	logger    logrus.FieldLogger
	toggle    workflow.Control
	status    workflow.StatusView
	preview   func(*Frame)
	listeners []func(active bool)

	dev    Device
	latest *Frame
	ready  chan struct{}
	done   chan struct{}
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithToggle binds the start/stop control whose label follows the session state
func WithToggle(c workflow.Control) SessionOption {
	return func(s *Session) { s.toggle = c }
}

// WithStatus binds the status view used for camera failures and stop notices
func WithStatus(v workflow.StatusView) SessionOption {
	return func(s *Session) { s.status = v }
}

// WithPreview installs a callback receiving every frame while active
func WithPreview(fn func(*Frame)) SessionOption {
	return func(s *Session) { s.preview = fn }
}

// WithLogger sets the session logger
func WithLogger(l logrus.FieldLogger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates an inactive session. open is called on every Start.
func NewSession(cfg config.CameraConfig, open Opener, opts ...SessionOption) *Session {
	s := &Session{
		cfg:    cfg,
		open:   open,
		logger: logrus.StandardLogger(),
		toggle: workflow.NopControl{},
		status: workflow.NopStatus{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to be called after every activation or deactivation.
// Callbacks run without the session lock held.
func (s *Session) OnChange(fn func(active bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Active reports whether a device is open and streaming
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// ActiveTracks returns the number of open devices held by the session
func (s *Session) ActiveTracks() int {
	if s.Active() {
		return 1
	}
	return 0
}

// Start opens and starts the device. It is a no-op while active. On failure
// the session stays inactive and the error wraps workflow.ErrCameraUnavailable
// with the platform text unchanged.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.dev != nil {
		s.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return workflow.CameraUnavailable(err)
	}

	dev, err := s.open(s.cfg)
	if err == nil {
		if err = dev.Start(); err != nil {
			_ = dev.Close()
		}
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Errorf("Camera %s unavailable: %v", s.cfg.Device, err)
		s.status.Show("Camera failed: "+err.Error(), workflow.ToneFailure)
		return workflow.CameraUnavailable(err)
	}

	done := make(chan struct{})
	ready := make(chan struct{})
	s.dev = dev
	s.latest = nil
	s.ready = ready
	s.done = done
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	go s.pump(dev, ready, done)

	s.logger.Infof("Camera session started on %s", s.cfg.Device)
	s.toggle.SetLabel(LabelStop)
	for _, fn := range listeners {
		fn(true)
	}
	return nil
}

// Stop releases the device. It is a no-op while inactive.
func (s *Session) Stop() error {
	stopped, err := s.stop()
	if !stopped {
		return nil
	}
	s.status.Show("Camera stopped", workflow.ToneNeutral)
	return err
}

// Close force-stops the session without touching the status view
func (s *Session) Close() error {
	_, err := s.stop()
	return err
}

func (s *Session) stop() (bool, error) {
	s.mu.Lock()
	dev := s.dev
	if dev == nil {
		s.mu.Unlock()
		return false, nil
	}
	done := s.done
	s.dev = nil
	s.latest = nil
	s.ready = nil
	s.done = nil
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	var closeErr error
	if err := dev.Close(); err != nil {
		closeErr = fmt.Errorf("failed to release camera: %w", err)
		s.logger.Warnf("Camera %s: %v", s.cfg.Device, closeErr)
	}

	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warnf("Camera %s frame pump did not exit within %v", s.cfg.Device, drainTimeout)
	}

	s.logger.Infof("Camera session stopped on %s", s.cfg.Device)
	s.toggle.SetLabel(LabelStart)
	for _, fn := range listeners {
		fn(false)
	}
	return true, closeErr
}

// Toggle starts an inactive session or stops an active one
func (s *Session) Toggle(ctx context.Context) error {
	if s.Active() {
		return s.Stop()
	}
	return s.Start(ctx)
}

// Snapshot decodes the most recent frame. The native size comes from the
// frame, or from the decoded image when the driver did not report one.
func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	active := s.dev != nil
	frame := s.latest
	s.mu.Unlock()

	if !active {
		return Snapshot{}, ErrInactive
	}
	if frame == nil {
		return Snapshot{}, nil
	}

	img, err := frame.ToImage()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode frame %d: %w", frame.Sequence, err)
	}

	width, height := frame.Width, frame.Height
	if width <= 0 || height <= 0 {
		b := img.Bounds()
		width, height = b.Dx(), b.Dy()
	}

	return Snapshot{
		Image:    img,
		Width:    width,
		Height:   height,
		Sequence: frame.Sequence,
		Taken:    frame.Timestamp,
	}, nil
}

// WaitReady blocks until the first frame of the current session arrives
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready == nil {
		return ErrInactive
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no frame from %s: %w", s.cfg.Device, ctx.Err())
	}
}

func (s *Session) pump(dev Device, ready, done chan struct{}) {
	defer close(done)

	first := true
	for frame := range dev.Frames() {
		s.mu.Lock()
		if s.dev != dev {
			s.mu.Unlock()
			continue
		}
		s.latest = frame
		preview := s.preview
		s.mu.Unlock()

		if first {
			close(ready)
			first = false
		}

		if preview != nil {
			preview(frame)
		}
	}
}
