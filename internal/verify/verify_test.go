package verify

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/api"
	"github.com/MrCodeEU/FaceAttend/internal/api/apitest"
	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/camera/camtest"
	"github.com/MrCodeEU/FaceAttend/internal/capture"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/journal"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/MrCodeEU/FaceAttend/internal/workflow/workflowtest"
	"github.com/sirupsen/logrus"
)

type harness struct {
	ctrl    *Controller
	srv     *apitest.Server
	rig     *camtest.Rig
	session *camera.Session
	status  *workflowtest.Status
	trigger *workflowtest.Control
	cue     *workflowtest.Cue
	store   *journal.Store
}

func newHarness(t *testing.T, hide time.Duration) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	srv := apitest.New(t)
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
		srv:     srv,
		rig:     &camtest.Rig{},
		status:  &workflowtest.Status{},
		trigger: workflowtest.NewControl(true),
		cue:     &workflowtest.Cue{},
		store:   store,
	}
	h.session = camera.NewSession(config.DefaultConfig().Camera, h.rig.Opener(), camera.WithLogger(logger))
	h.ctrl = New(Options{
		Session:   h.session,
		Capturer:  capture.New(),
		Service:   client,
		Status:    h.status,
		Trigger:   h.trigger,
		Cue:       h.cue,
		Journal:   store,
		HideAfter: hide,
		Logger:    logger,
	})
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	seq := h.rig.Last().Push(camtest.Solid(64, 48, color.White), 64, 48)
	if !camtest.WaitFrame(h.session, seq, time.Second) {
		t.Fatal("Frame never arrived")
	}
}

func TestTriggerFollowsSession(t *testing.T) {
	h := newHarness(t, 0)

	if h.trigger.Enabled() {
		t.Error("Expected trigger disabled while the session is inactive")
	}
	if h.trigger.Label() != LabelReady {
		t.Errorf("Expected label %q, got %q", LabelReady, h.trigger.Label())
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Enabled by the same call that activated the session
	if !h.trigger.Enabled() {
		t.Error("Expected trigger enabled once the session is active")
	}

	_ = h.session.Stop()
	if h.trigger.Enabled() {
		t.Error("Expected trigger disabled after the session stopped")
	}
	if _, err := h.ctrl.Verify(context.Background()); !errors.Is(err, capture.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
	if n := len(h.srv.Requests()); n != 0 {
		t.Errorf("Expected no requests, got %d", n)
	}
}

func TestStartFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.rig.OpenErr = errors.New("Permission denied")

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, workflow.ErrCameraUnavailable) {
		t.Fatalf("Expected ErrCameraUnavailable, got %v", err)
	}

	msg, _ := h.status.Current()
	want := "Cannot access camera: Permission denied. Please allow camera permissions."
	if msg.Text != want || msg.Tone != workflow.ToneFailure {
		t.Errorf("Expected %q, got %+v", want, msg)
	}
	if h.trigger.Enabled() || h.trigger.Label() != LabelUnavailable {
		t.Errorf("Expected disabled %q trigger, got enabled=%v label=%q",
			LabelUnavailable, h.trigger.Enabled(), h.trigger.Label())
	}
}

func TestVerifyOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantOutcome Outcome
		wantText    string
		wantTone    workflow.Tone
		wantErr     error
		wantCue     int
	}{
		{
			name:        "match",
			status:      http.StatusOK,
			body:        `{"match":true,"name":"Alice","distance":0.32}`,
			wantOutcome: OutcomeMatch,
			wantText:    "Success! Welcome Alice! Your attendance has been recorded.",
			wantTone:    workflow.ToneSuccess,
			wantCue:     1,
		},
		{
			name:        "no match",
			status:      http.StatusOK,
			body:        `{"match":false,"name":"Unknown","distance":0.81}`,
			wantOutcome: OutcomeNoMatch,
			wantText:    MsgNotRecognized,
			wantTone:    workflow.ToneFailure,
		},
		{
			name:        "bare no match",
			status:      http.StatusOK,
			body:        `{"match":false}`,
			wantOutcome: OutcomeNoMatch,
			wantText:    MsgNotRecognized,
			wantTone:    workflow.ToneFailure,
		},
		{
			name:        "error field",
			status:      http.StatusOK,
			body:        `{"error":"camera too dark"}`,
			wantOutcome: OutcomeError,
			wantText:    "Error: camera too dark",
			wantTone:    workflow.ToneFailure,
			wantErr:     workflow.ErrServerRejected,
		},
		{
			name:        "error wins over match",
			status:      http.StatusBadRequest,
			body:        `{"match":true,"name":"Alice","error":"No face found"}`,
			wantOutcome: OutcomeError,
			wantText:    "Error: No face found",
			wantTone:    workflow.ToneFailure,
			wantErr:     workflow.ErrServerRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.srv.Respond(api.PathVerify, tt.status, tt.body)
			h.start(t)

			res, err := h.ctrl.Verify(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Expected outcome %v, got %v", tt.wantOutcome, res.Outcome)
			}

			terminal := h.status.Terminal()
			if len(terminal) != 1 {
				t.Fatalf("Expected exactly one rendered outcome, got %+v", terminal)
			}
			if terminal[0].Text != tt.wantText || terminal[0].Tone != tt.wantTone {
				t.Errorf("Expected %q (%v), got %+v", tt.wantText, tt.wantTone, terminal[0])
			}
			if tt.wantOutcome != OutcomeMatch && strings.Contains(terminal[0].Text, "Success") {
				t.Error("Non-match must never claim success")
			}
			if h.cue.Count() != tt.wantCue {
				t.Errorf("Expected %d success cues, got %d", tt.wantCue, h.cue.Count())
			}
			if !h.trigger.Enabled() || h.trigger.Label() != LabelReady {
				t.Error("Expected trigger re-enabled with its ready label")
			}

			req := h.srv.Requests()[0]
			if req.ContentType != "application/json" || !strings.HasPrefix(req.DataURL, "data:image/jpeg;base64,") {
				t.Errorf("Unexpected request %+v", req)
			}

			entries, _ := h.store.Recent(5)
			if len(entries) != 1 || entries[0].Action != journal.ActionVerify {
				t.Fatalf("Expected one journal entry, got %+v", entries)
			}
			if entries[0].Success != (tt.wantOutcome == OutcomeMatch) {
				t.Errorf("Unexpected journal success flag %+v", entries[0])
			}
		})
	}
}

func TestVerifyTransportFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	h.srv.Close()

	_, err := h.ctrl.Verify(context.Background())
	if !errors.Is(err, workflow.ErrTransportFailed) {
		t.Fatalf("Expected ErrTransportFailed, got %v", err)
	}
	msg, _ := h.status.Current()
	if !strings.HasPrefix(msg.Text, "Request failed: ") || msg.Tone != workflow.ToneFailure {
		t.Errorf("Unexpected status %+v", msg)
	}
	if !h.trigger.Enabled() {
		t.Error("Expected trigger re-enabled after a transport failure")
	}
}

func TestVerifyBusy(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	release := h.srv.Hold()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Verify(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for len(h.srv.Requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.trigger.Enabled() || h.trigger.Label() != LabelProcessing {
		t.Error("Expected trigger disabled and processing while in flight")
	}
	if h.ctrl.Ready() {
		t.Error("Expected controller not ready while in flight")
	}
	if _, err := h.ctrl.Verify(context.Background()); !errors.Is(err, workflow.ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestSuccessAutoHides(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.srv.Respond(api.PathVerify, http.StatusOK, `{"match":true,"name":"Alice"}`)
	h.start(t)

	if _, err := h.ctrl.Verify(context.Background()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for h.status.Clears() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, visible := h.status.Current(); visible {
		t.Error("Expected success message to be hidden")
	}
}

func TestFailureDoesNotAutoHide(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	if _, err := h.ctrl.Verify(context.Background()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if msg, visible := h.status.Current(); !visible || msg.Text != MsgNotRecognized {
		t.Errorf("Expected failure message to stay visible, got %+v", msg)
	}
}

func TestCloseReleasesCamera(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.rig.OpenTracks() != 0 {
		t.Errorf("Expected zero open tracks, got %d", h.rig.OpenTracks())
	}
	if h.trigger.Enabled() {
		t.Error("Expected trigger disabled after teardown")
	}
}

func TestClassify(t *testing.T) {
	d := 0.4
	tests := []struct {
		res  api.VerifyResult
		want Outcome
	}{
		{api.VerifyResult{Match: true, Name: "Bo", Distance: &d}, OutcomeMatch},
		{api.VerifyResult{Match: false}, OutcomeNoMatch},
		{api.VerifyResult{Error: "No registered students"}, OutcomeError},
	}
	for _, tt := range tests {
		got := classify(&tt.res)
		if got.Outcome != tt.want {
			t.Errorf("classify(%+v) = %v, want %v", tt.res, got.Outcome, tt.want)
		}
		if tt.want == OutcomeMatch && !strings.Contains(got.Message, tt.res.Name) {
			t.Errorf("Expected message to name %q, got %q", tt.res.Name, got.Message)
		}
	}
}
