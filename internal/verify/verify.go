// Package verify implements the attendance kiosk: it keeps the camera running,
// submits one frame per trigger and renders the recognition result.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/api"
	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/capture"
	"github.com/MrCodeEU/FaceAttend/internal/journal"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/sirupsen/logrus"
)

// Trigger labels
const (
	LabelReady       = "Verify & Mark Attendance"
	LabelProcessing  = "Processing..."
	LabelUnavailable = "Camera Not Available"
)

// Status messages
const (
	MsgVerifying     = "Capturing image and verifying..."
	MsgNotRecognized = "Face not recognized. Please make sure you are registered."
)

// DefaultHideAfter is how long a success message stays visible
const DefaultHideAfter = 5 * time.Second

// Outcome is the classified result of one verification
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomeMatch
	OutcomeNoMatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeNoMatch:
		return "no_match"
	default:
		return "error"
	}
}

// Result is what one verification rendered
type Result struct {
	Outcome  Outcome
	Name     string
	Message  string
	Distance *float64
}

// Service is the subset of the api client used for verification
type Service interface {
	Verify(ctx context.Context, dataURL string) (*api.VerifyResult, error)
}

// Journal records verification attempts
type Journal interface {
	Record(e journal.Entry) (*journal.Entry, error)
}

// Options wires a Controller to its collaborators. Session and Service are
// required.
type Options struct {
	Session   *camera.Session
	Capturer  *capture.Capturer
	Service   Service
	Status    workflow.StatusView
	Trigger   workflow.Control
	Cue       workflow.Cue
	Journal   Journal
	HideAfter time.Duration
	Logger    logrus.FieldLogger
}

// Controller drives the verification page. The trigger is enabled only while
// the camera session is active and no request is in flight.
type Controller struct {
	session  *camera.Session
	capturer *capture.Capturer
	service  Service
	status   workflow.StatusView
	trigger  workflow.Control
	cue      workflow.Cue
	journal  Journal
	hide     time.Duration
	logger   logrus.FieldLogger
	runner   *workflow.Runner

	mu        sync.Mutex
	hideTimer *time.Timer
	closed    bool
}

// New creates a verification controller with the trigger disabled
func New(opts Options) *Controller {
	c := &Controller{
		session:  opts.Session,
		capturer: opts.Capturer,
		service:  opts.Service,
		status:   opts.Status,
		trigger:  opts.Trigger,
		cue:      opts.Cue,
		journal:  opts.Journal,
		hide:     opts.HideAfter,
		logger:   opts.Logger,
	}
	if c.capturer == nil {
		c.capturer = capture.New()
	}
	if c.status == nil {
		c.status = workflow.NopStatus{}
	}
	if c.trigger == nil {
		c.trigger = workflow.NopControl{}
	}
	if c.cue == nil {
		c.cue = workflow.NopCue{}
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}

	c.runner = workflow.NewRunner(c.trigger, c.status)
	c.runner.SetGuard(c.session.Active)

	c.trigger.SetLabel(LabelReady)
	c.trigger.SetEnabled(c.session.Active())
	c.session.OnChange(c.sessionChanged)
	return c
}

func (c *Controller) sessionChanged(active bool) {
	if c.runner.InFlight() {
		return
	}
	if active {
		c.trigger.SetLabel(LabelReady)
	}
	c.trigger.SetEnabled(active)
}

// Start opens the camera. On failure the trigger stays disabled and is
// relabelled.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.session.Start(ctx); err != nil {
		c.status.Show(fmt.Sprintf("Cannot access camera: %s. Please allow camera permissions.", workflow.Reason(err)), workflow.ToneFailure)
		c.trigger.SetEnabled(false)
		c.trigger.SetLabel(LabelUnavailable)
		return err
	}
	return nil
}

// WaitReady waits up to timeout for the first camera frame
func (c *Controller) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.session.WaitReady(ctx)
}

// State returns the request state
func (c *Controller) State() workflow.State {
	return c.runner.State()
}

// Ready reports whether a trigger would be accepted
func (c *Controller) Ready() bool {
	return c.session.Active() && !c.runner.InFlight()
}

// Verify captures one frame and submits it. Exactly one outcome is rendered
// and the trigger is released afterwards.
func (c *Controller) Verify(ctx context.Context) (*Result, error) {
	if !c.session.Active() {
		return nil, capture.ErrNoActiveSession
	}

	c.cancelHide()
	if err := c.runner.Begin(nil, MsgVerifying); err != nil {
		return nil, err
	}
	c.trigger.SetLabel(LabelProcessing)
	defer c.trigger.SetLabel(LabelReady)

	still, err := c.capturer.Capture(c.session)
	if err != nil {
		reason := workflow.Reason(err)
		c.logger.Warnf("Capture failed: %v", err)
		c.runner.Fail("Capture failed: "+reason, reason)
		c.record(journal.Entry{Outcome: workflow.KindCaptureFailed.String(), Message: reason})
		if errors.Is(err, capture.ErrNoActiveSession) {
			return nil, err
		}
		return nil, workflow.CaptureFailed(err)
	}

	res, err := c.service.Verify(ctx, still.DataURL())
	if err != nil {
		reason := err.Error()
		c.logger.Errorf("Verify request failed: %v", err)
		c.runner.Fail("Request failed: "+reason, reason)
		c.record(journal.Entry{Outcome: workflow.KindTransportFailed.String(), Message: reason})
		return nil, workflow.Transport(err)
	}

	result := classify(res)
	fields := logrus.Fields{"outcome": result.Outcome.String()}
	if res.Distance != nil {
		fields["distance"] = *res.Distance
	}

	switch result.Outcome {
	case OutcomeError:
		c.logger.WithFields(fields).Warnf("Server error: %s", res.Error)
		c.runner.Fail(result.Message, res.Error)
		c.record(journal.Entry{Outcome: workflow.KindServerRejected.String(), Message: res.Error, Distance: res.Distance})
		return result, workflow.Rejected(res.Error)

	case OutcomeMatch:
		c.logger.WithFields(fields).Infof("Attendance recorded for %s", result.Name)
		c.runner.Succeed(result.Message, true)
		c.cue.Success()
		c.scheduleHide()
		c.record(journal.Entry{Subject: result.Name, Success: true, Distance: res.Distance})
		return result, nil

	default:
		c.logger.WithFields(fields).Info("Face not recognized")
		c.runner.Fail(result.Message, "not recognized")
		c.record(journal.Entry{Outcome: result.Outcome.String(), Message: result.Message, Distance: res.Distance})
		return result, nil
	}
}

// classify maps a response to exactly one outcome. An error field wins over
// everything else.
func classify(res *api.VerifyResult) *Result {
	switch {
	case res.Error != "":
		return &Result{Outcome: OutcomeError, Message: "Error: " + res.Error, Distance: res.Distance}
	case res.Match:
		return &Result{
			Outcome:  OutcomeMatch,
			Name:     res.Name,
			Message:  fmt.Sprintf("Success! Welcome %s! Your attendance has been recorded.", res.Name),
			Distance: res.Distance,
		}
	default:
		return &Result{Outcome: OutcomeNoMatch, Message: MsgNotRecognized, Distance: res.Distance}
	}
}

func (c *Controller) scheduleHide() {
	if c.hide <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.hideTimer != nil {
		c.hideTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.hide, func() {
		c.mu.Lock()
		live := c.hideTimer == timer
		if live {
			c.hideTimer = nil
		}
		c.mu.Unlock()
		if live {
			c.status.Clear()
		}
	})
	c.hideTimer = timer
}

func (c *Controller) cancelHide() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hideTimer != nil {
		c.hideTimer.Stop()
		c.hideTimer = nil
	}
}

func (c *Controller) record(e journal.Entry) {
	if c.journal == nil {
		return
	}
	e.Action = journal.ActionVerify
	if _, err := c.journal.Record(e); err != nil {
		c.logger.Warnf("Failed to journal verification: %v", err)
	}
}

// Close cancels the pending auto-hide and releases the camera
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.hideTimer != nil {
		c.hideTimer.Stop()
		c.hideTimer = nil
	}
	c.mu.Unlock()

	return c.session.Close()
}
