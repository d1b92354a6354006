package camera_test

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/camera/camtest"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/MrCodeEU/FaceAttend/internal/workflow/workflowtest"
)

func newSession(rig *camtest.Rig, opts ...camera.SessionOption) *camera.Session {
	return camera.NewSession(config.DefaultConfig().Camera, rig.Opener(), opts...)
}

func TestSessionStartStop(t *testing.T) {
	rig := &camtest.Rig{}
	toggle := workflowtest.NewControl(true)
	status := &workflowtest.Status{}
	s := newSession(rig, camera.WithToggle(toggle), camera.WithStatus(status))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.Active() || s.ActiveTracks() != 1 {
		t.Fatal("Expected session to be active with one track")
	}
	if toggle.Label() != camera.LabelStop {
		t.Errorf("Expected toggle label %q, got %q", camera.LabelStop, toggle.Label())
	}

	// Second start must not open a second device
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if rig.Opens() != 1 {
		t.Errorf("Expected 1 open, got %d", rig.Opens())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Active() || s.ActiveTracks() != 0 || rig.OpenTracks() != 0 {
		t.Error("Expected no active tracks after Stop")
	}
	if toggle.Label() != camera.LabelStart {
		t.Errorf("Expected toggle label %q, got %q", camera.LabelStart, toggle.Label())
	}
	if msg, ok := status.Current(); !ok || msg.Tone != workflow.ToneNeutral {
		t.Errorf("Expected neutral stop notice, got %+v", msg)
	}
}

func TestSessionStopWhenInactive(t *testing.T) {
	rig := &camtest.Rig{}
	status := &workflowtest.Status{}
	s := newSession(rig, camera.WithStatus(status))

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop on inactive session failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close on inactive session failed: %v", err)
	}
	if rig.OpenTracks() != 0 || s.ActiveTracks() != 0 {
		t.Error("Expected zero tracks")
	}
	if len(status.Messages()) != 0 {
		t.Error("Expected no status output for a no-op Stop")
	}

	// Stop twice after a start: the device is closed exactly once
	_ = s.Start(context.Background())
	_ = s.Stop()
	if err := s.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if rig.OpenTracks() != 0 {
		t.Errorf("Expected zero open tracks, got %d", rig.OpenTracks())
	}
}

func TestSessionStartFailure(t *testing.T) {
	rig := &camtest.Rig{OpenErr: errors.New("permission denied")}
	status := &workflowtest.Status{}
	s := newSession(rig, camera.WithStatus(status))

	err := s.Start(context.Background())
	if !errors.Is(err, workflow.ErrCameraUnavailable) {
		t.Fatalf("Expected ErrCameraUnavailable, got %v", err)
	}
	if workflow.Reason(err) != "permission denied" {
		t.Errorf("Expected platform text verbatim, got %q", workflow.Reason(err))
	}
	if s.Active() {
		t.Error("Expected session to stay inactive")
	}
	msg, _ := status.Current()
	if msg.Text != "Camera failed: permission denied" || msg.Tone != workflow.ToneFailure {
		t.Errorf("Unexpected status %+v", msg)
	}
}

func TestSessionOnChange(t *testing.T) {
	rig := &camtest.Rig{}
	s := newSession(rig)

	var states []bool
	s.OnChange(func(active bool) { states = append(states, active) })

	_ = s.Start(context.Background())
	_ = s.Start(context.Background())
	_ = s.Close()
	_ = s.Close()

	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("Expected [true false], got %v", states)
	}
}

func TestSessionSnapshot(t *testing.T) {
	rig := &camtest.Rig{}
	s := newSession(rig)

	if _, err := s.Snapshot(); !errors.Is(err, camera.ErrInactive) {
		t.Fatalf("Expected ErrInactive, got %v", err)
	}

	_ = s.Start(context.Background())
	defer s.Close()

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot before first frame failed: %v", err)
	}
	if snap.Image != nil || snap.Width != 0 {
		t.Error("Expected empty snapshot before the first frame")
	}

	seq := rig.Last().Push(camtest.Solid(40, 30, color.White), 0, 0)
	if !camtest.WaitFrame(s, seq, time.Second) {
		t.Fatal("Frame never arrived")
	}
	snap, _ = s.Snapshot()
	if snap.Sequence != seq {
		t.Errorf("Expected sequence %d, got %d", seq, snap.Sequence)
	}
	if snap.Width != 40 || snap.Height != 30 {
		t.Errorf("Expected size from decoded image 40x30, got %dx%d", snap.Width, snap.Height)
	}
}

func TestSessionPreview(t *testing.T) {
	rig := &camtest.Rig{}
	got := make(chan uint32, 4)
	s := newSession(rig, camera.WithPreview(func(f *camera.Frame) { got <- f.Sequence }))

	_ = s.Start(context.Background())
	defer s.Close()

	rig.Last().Push(camtest.Solid(8, 8, color.Black), 8, 8)
	select {
	case seq := <-got:
		if seq != 1 {
			t.Errorf("Expected sequence 1, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Preview never received a frame")
	}
}

func TestSessionWaitReady(t *testing.T) {
	rig := &camtest.Rig{}
	s := newSession(rig)

	if err := s.WaitReady(context.Background()); !errors.Is(err, camera.ErrInactive) {
		t.Fatalf("Expected ErrInactive, got %v", err)
	}

	_ = s.Start(context.Background())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded before the first frame, got %v", err)
	}

	rig.Last().Push(camtest.Solid(8, 8, color.White), 8, 8)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := s.WaitReady(ctx2); err != nil {
		t.Errorf("WaitReady failed: %v", err)
	}
}
