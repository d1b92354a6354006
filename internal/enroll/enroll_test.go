package enroll_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/api"
	"github.com/MrCodeEU/FaceAttend/internal/api/apitest"
	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/camera/camtest"
	"github.com/MrCodeEU/FaceAttend/internal/capture"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/enroll"
	"github.com/MrCodeEU/FaceAttend/internal/journal"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/MrCodeEU/FaceAttend/internal/workflow/workflowtest"
	"github.com/sirupsen/logrus"
)

type harness struct {
	ctrl      *enroll.Controller
	srv       *apitest.Server
	rig       *camtest.Rig
	session   *camera.Session
	status    *workflowtest.Status
	submit    *workflowtest.Control
	confirm   *workflowtest.Confirmer
	refresher *workflowtest.Refresher
	store     *journal.Store
	resets    *atomic.Int32
	stills    chan *capture.Still
}

func newHarness(t *testing.T, delay time.Duration, students ...string) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	srv := apitest.New(t, students...)
	client, err := api.NewClient(srv.URL, 2*time.Second, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	store, err := journal.NewStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		srv:       srv,
		rig:       &camtest.Rig{},
		status:    &workflowtest.Status{},
		submit:    workflowtest.NewControl(true),
		confirm:   &workflowtest.Confirmer{},
		refresher: workflowtest.NewRefresher(),
		store:     store,
		resets:    &atomic.Int32{},
		stills:    make(chan *capture.Still, 8),
	}
	h.session = camera.NewSession(config.DefaultConfig().Camera, h.rig.Opener(),
		camera.WithStatus(h.status), camera.WithLogger(logger))

	h.ctrl = enroll.New(enroll.Options{
		Session:      h.session,
		Capturer:     capture.New(),
		Service:      client,
		Status:       h.status,
		Submit:       h.submit,
		Form:         enroll.FormFunc(func() { h.resets.Add(1) }),
		Confirm:      h.confirm,
		Refresher:    h.refresher,
		Journal:      store,
		RefreshDelay: delay,
		OnCapture:    func(s *capture.Still) { h.stills <- s },
		Logger:       logger,
	})
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

// captureFrame pushes a frame of colour c and captures it
func (h *harness) captureFrame(t *testing.T, c color.Color) *capture.Still {
	t.Helper()

	if !h.session.Active() {
		if err := h.ctrl.ToggleCamera(context.Background()); err != nil {
			t.Fatalf("ToggleCamera failed: %v", err)
		}
	}
	seq := h.rig.Last().Push(camtest.Solid(64, 48, c), 64, 48)
	if !camtest.WaitFrame(h.session, seq, time.Second) {
		t.Fatal("Frame never arrived")
	}
	if err := h.ctrl.Capture(); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	return <-h.stills
}

func waitRefresh(t *testing.T, r *workflowtest.Refresher) {
	t.Helper()
	select {
	case <-r.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("Roster was never refreshed")
	}
}

func lastRequest(t *testing.T, srv *apitest.Server) apitest.Request {
	t.Helper()
	reqs := srv.Requests()
	if len(reqs) == 0 {
		t.Fatal("No request reached the server")
	}
	return reqs[len(reqs)-1]
}

func TestSubmitUsesLatestCapture(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, "bob")

	first := h.captureFrame(t, color.RGBA{R: 255, A: 255})
	second := h.captureFrame(t, color.RGBA{B: 255, A: 255})
	if bytes.Equal(mustBlob(first), mustBlob(second)) {
		t.Fatal("Expected two different captures")
	}
	if msg, _ := h.status.Current(); msg.Text != enroll.MsgCaptured {
		t.Errorf("Expected %q, got %q", enroll.MsgCaptured, msg.Text)
	}

	if err := h.ctrl.Submit(context.Background(), "  alice ", nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	req := lastRequest(t, h.srv)
	if req.Name != "alice" {
		t.Errorf("Expected trimmed name 'alice', got %q", req.Name)
	}
	if req.Image == nil {
		t.Fatal("Expected image part")
	}
	if req.Image.Filename != "alice.jpg" || req.Image.ContentType != "image/jpeg" {
		t.Errorf("Unexpected image part %s %s", req.Image.Filename, req.Image.ContentType)
	}
	if !bytes.Equal(req.Image.Data, mustBlob(second)) {
		t.Error("Expected only the most recent capture to be submitted")
	}

	if msg, _ := h.status.Current(); msg.Text != enroll.MsgAdded || msg.Tone != workflow.ToneSuccess {
		t.Errorf("Unexpected status %+v", msg)
	}
	if h.resets.Load() != 1 {
		t.Errorf("Expected form reset once, got %d", h.resets.Load())
	}
	if h.ctrl.HasCapture() {
		t.Error("Expected captured still to be cleared")
	}
	if h.submit.Enabled() {
		t.Error("Expected submit to stay disabled until the refresh")
	}

	waitRefresh(t, h.refresher)
	calls := h.refresher.Calls()
	if got := strings.Join(calls[0], ","); got != "alice,bob" {
		t.Errorf("Expected refreshed roster 'alice,bob', got %q", got)
	}

	deadline := time.Now().Add(time.Second)
	for !h.submit.Enabled() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.submit.Enabled() {
		t.Error("Expected submit to be re-enabled after the refresh")
	}

	roster, err := h.store.Roster()
	if err != nil || strings.Join(roster, ",") != "alice,bob" {
		t.Errorf("Expected cached roster, got %v %v", roster, err)
	}
	entries, _ := h.store.ForSubject("alice", 5)
	if len(entries) != 1 || !entries[0].Success || entries[0].Action != journal.ActionEnroll {
		t.Errorf("Unexpected journal entries %+v", entries)
	}
}

func mustBlob(s *capture.Still) []byte {
	data, _ := s.Blob()
	return data
}

func TestSubmitUploadTakesPrecedence(t *testing.T) {
	h := newHarness(t, 0)
	h.captureFrame(t, color.White)

	var buf bytes.Buffer
	if err := png.Encode(&buf, camtest.Solid(10, 10, color.Black)); err != nil {
		t.Fatal(err)
	}
	upload := &enroll.Upload{Filename: "portrait.png", Data: buf.Bytes()}

	if err := h.ctrl.Submit(context.Background(), "carol", upload); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	req := lastRequest(t, h.srv)
	if req.Image == nil || req.Image.Filename != "portrait.png" || req.Image.ContentType != "image/png" {
		t.Errorf("Expected the uploaded file, got %+v", req.Image)
	}
	if h.ctrl.HasCapture() {
		t.Error("Expected captured still to be cleared after success")
	}
	waitRefresh(t, h.refresher)
}

func TestSubmitWithoutImage(t *testing.T) {
	h := newHarness(t, 0)

	if err := h.ctrl.Submit(context.Background(), "dave", nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req := lastRequest(t, h.srv); req.Image != nil {
		t.Error("Expected no image part")
	}
	waitRefresh(t, h.refresher)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 0)

	tests := []struct {
		name   string
		input  string
		upload *enroll.Upload
	}{
		{"empty name", "", nil},
		{"blank name", " \t ", nil},
		{"unsupported upload", "erin", &enroll.Upload{Filename: "notes.txt", Data: []byte("hello")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ctrl.Submit(context.Background(), tt.input, tt.upload)
			if !errors.Is(err, workflow.ErrValidationFailed) {
				t.Errorf("Expected ErrValidationFailed, got %v", err)
			}
			if msg, _ := h.status.Current(); msg.Tone != workflow.ToneFailure {
				t.Errorf("Expected failure status, got %+v", msg)
			}
		})
	}

	if n := len(h.srv.Requests()); n != 0 {
		t.Errorf("Expected no network calls, got %d", n)
	}
	if !h.submit.Enabled() {
		t.Error("Expected submit to stay enabled")
	}
}

func TestSubmitOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		closed   bool
		wantErr  error
		wantText string
		wantTone workflow.Tone
	}{
		{
			name:     "success",
			status:   http.StatusOK,
			body:     `{"ok":true}`,
			wantText: enroll.MsgAdded,
			wantTone: workflow.ToneSuccess,
		},
		{
			name:     "rejected with message",
			status:   http.StatusOK,
			body:     `{"ok":false,"error":"duplicate name"}`,
			wantErr:  workflow.ErrServerRejected,
			wantText: "duplicate name",
			wantTone: workflow.ToneFailure,
		},
		{
			name:     "rejected without message",
			status:   http.StatusOK,
			body:     `{"ok":false}`,
			wantErr:  workflow.ErrServerRejected,
			wantText: enroll.MsgAddFailed,
			wantTone: workflow.ToneFailure,
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"error":"unauthorized"}`,
			wantErr:  workflow.ErrServerRejected,
			wantText: "unauthorized",
			wantTone: workflow.ToneFailure,
		},
		{
			name:     "transport failure",
			closed:   true,
			wantErr:  workflow.ErrTransportFailed,
			wantText: enroll.MsgUploadFailed,
			wantTone: workflow.ToneFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Hour)
			if tt.closed {
				h.srv.Close()
			} else {
				h.srv.Respond(api.PathAddStudent, tt.status, tt.body)
			}

			err := h.ctrl.Submit(context.Background(), "frank", nil)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}

			// Exactly one terminal state is rendered
			terminal := h.status.Terminal()
			if len(terminal) != 1 {
				t.Fatalf("Expected one terminal status, got %+v", terminal)
			}
			if !strings.HasPrefix(terminal[0].Text, tt.wantText) || terminal[0].Tone != tt.wantTone {
				t.Errorf("Expected %q (%v), got %+v", tt.wantText, tt.wantTone, terminal[0])
			}

			state := h.ctrl.State()
			if tt.wantErr == nil {
				if state.Phase != workflow.PhaseSucceeded || h.submit.Enabled() {
					t.Error("Expected success with reload pending and submit held")
				}
			} else {
				if state.Phase != workflow.PhaseFailed || !h.submit.Enabled() {
					t.Error("Expected failure with submit re-enabled")
				}
				if len(h.refresher.Calls()) != 0 {
					t.Error("Expected no refresh after failure")
				}
			}
		})
	}
}

func TestSubmitWhileInFlight(t *testing.T) {
	h := newHarness(t, 0)
	release := h.srv.Hold()
	defer release()

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Submit(context.Background(), "gina", nil) }()

	deadline := time.Now().Add(time.Second)
	for len(h.srv.Requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.submit.Enabled() {
		t.Error("Expected submit disabled while in flight")
	}

	if err := h.ctrl.Submit(context.Background(), "gina", nil); !errors.Is(err, workflow.ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if n := len(h.srv.Requests()); n != 1 {
		t.Errorf("Expected exactly one request, got %d", n)
	}
}

func TestCaptureWithoutSession(t *testing.T) {
	h := newHarness(t, 0)

	err := h.ctrl.Capture()
	if !errors.Is(err, capture.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
	if msg, _ := h.status.Current(); msg.Text != enroll.MsgCaptureFailed {
		t.Errorf("Expected %q, got %q", enroll.MsgCaptureFailed, msg.Text)
	}
	if h.ctrl.HasCapture() {
		t.Error("Expected no cached still")
	}
}

func TestRemoveDeclined(t *testing.T) {
	h := newHarness(t, 0, "alice")
	h.confirm.Answer = false
	row := workflowtest.NewControl(true)

	if err := h.ctrl.Remove(context.Background(), "alice", row); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if prompts := h.confirm.Prompts(); len(prompts) != 1 || prompts[0] != "Remove alice?" {
		t.Errorf("Unexpected prompts %v", prompts)
	}
	if n := len(h.srv.Requests()); n != 0 {
		t.Errorf("Expected no removal call, got %d", n)
	}
	if len(row.History()) != 0 {
		t.Error("Expected row control untouched")
	}
}

func TestRemoveConfirmed(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, "alice", "bob")
	h.confirm.Answer = true
	row := workflowtest.NewControl(true)

	if err := h.ctrl.Remove(context.Background(), "alice", row); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if req := lastRequest(t, h.srv); req.Path != api.PathRemoveStudent || req.Name != "alice" {
		t.Errorf("Unexpected request %+v", req)
	}

	waitRefresh(t, h.refresher)
	if got := strings.Join(h.refresher.Calls()[0], ","); got != "bob" {
		t.Errorf("Expected refreshed roster 'bob', got %q", got)
	}
	if hist := row.History(); len(hist) == 0 || hist[0] {
		t.Errorf("Expected row control disabled first, got %v", hist)
	}
}

func TestRemoveFailure(t *testing.T) {
	h := newHarness(t, 0, "alice")
	h.confirm.Answer = true
	h.srv.Respond(api.PathRemoveStudent, http.StatusInternalServerError, "<html>oops</html>")
	row := workflowtest.NewControl(true)

	err := h.ctrl.Remove(context.Background(), "alice", row)
	if !errors.Is(err, workflow.ErrTransportFailed) {
		t.Errorf("Expected ErrTransportFailed, got %v", err)
	}
	if msg, _ := h.status.Current(); msg.Text != enroll.MsgRemoveFailed {
		t.Errorf("Expected %q, got %q", enroll.MsgRemoveFailed, msg.Text)
	}
	if !row.Enabled() {
		t.Error("Expected row control re-enabled")
	}
}

func TestRemoveDuringRefreshKeepsSubmitReleasable(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond, "alice")
	h.confirm.Answer = true

	if err := h.ctrl.Submit(context.Background(), "zed", nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h.submit.Enabled() {
		t.Fatal("Expected submit control held until the refresh")
	}

	h.srv.Respond(api.PathRemoveStudent, http.StatusInternalServerError, "<html>oops</html>")
	row := workflowtest.NewControl(true)
	if err := h.ctrl.Remove(context.Background(), "alice", row); err == nil {
		t.Fatal("Expected Remove to fail")
	}

	waitRefresh(t, h.refresher)
	deadline := time.Now().Add(time.Second)
	for !h.submit.Enabled() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.submit.Enabled() {
		t.Error("Expected submit control released after the refresh")
	}
	if !row.Enabled() {
		t.Error("Expected row control re-enabled after the failed removal")
	}
	if got := h.ctrl.State().Phase; got != workflow.PhaseIdle {
		t.Errorf("Expected idle after the refresh, got %s", got)
	}
}

func TestCloseCancelsRefreshAndReleasesCamera(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.captureFrame(t, color.White)

	if err := h.ctrl.Submit(context.Background(), "hank", nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if h.rig.OpenTracks() != 0 || h.session.ActiveTracks() != 0 {
		t.Error("Expected camera released on Close")
	}
	if len(h.refresher.Calls()) != 0 {
		t.Error("Expected pending refresh to be cancelled")
	}
}
