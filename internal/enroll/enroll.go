// Package enroll implements the admin workflow: capturing enrollment photos,
// adding students and removing them.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/api"
	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/capture"
	"github.com/MrCodeEU/FaceAttend/internal/journal"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/MrCodeEU/FaceAttend/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

// Status messages
const (
	MsgUploading     = "Uploading..."
	MsgAdded         = "Added successfully"
	MsgAddFailed     = "Error adding student"
	MsgUploadFailed  = "Upload failed: "
	MsgCapturing     = "Capturing..."
	MsgCaptured      = "Captured — fill name and click Add Student."
	MsgCaptureFailed = "Capture failed"
	MsgNameRequired  = "Please enter a name"
	MsgRemoveFailed  = "Error removing student"
)

// DefaultRefreshDelay is how long the roster refresh waits after a change
const DefaultRefreshDelay = 600 * time.Millisecond

// Service is the subset of the api client used for enrollment
type Service interface {
	AddStudent(ctx context.Context, name string, image *api.ImagePart) (*api.MutationResult, error)
	RemoveStudent(ctx context.Context, name string) (*api.MutationResult, error)
}

// Journal records attempts and the last known roster
type Journal interface {
	Record(e journal.Entry) (*journal.Entry, error)
	SaveRoster(names []string) error
}

// Form is the enrollment form. Reset clears the name and the selected upload.
type Form interface {
	Reset()
}

// FormFunc adapts a function to Form
type FormFunc func()

func (f FormFunc) Reset() { f() }

// Upload is an image file chosen by the operator
type Upload struct {
	Filename string
	Data     []byte
}

// LoadUpload reads an image file from disk
func LoadUpload(path string) (*Upload, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-selected file
	if err != nil {
		return nil, fmt.Errorf("could not read image %s: %w", path, err)
	}
	return &Upload{Filename: filepath.Base(path), Data: data}, nil
}

// Options wires a Controller to its collaborators. Session, Capturer and
// Service are required.
type Options struct {
	Session      *camera.Session
	Capturer     *capture.Capturer
	Service      Service
	Status       workflow.StatusView
	Submit       workflow.Control
	Form         Form
	Confirm      workflow.Confirmer
	Refresher    workflow.Refresher
	Journal      Journal
	RefreshDelay time.Duration
	// OnCapture receives every new cached still, for previews
	OnCapture func(*capture.Still)
	Logger    logrus.FieldLogger
}

// Controller drives the enrollment page. It caches at most one captured still
// and runs at most one request at a time.
type Controller struct {
	session   *camera.Session
	capturer  *capture.Capturer
	service   Service
	status    workflow.StatusView
	form      Form
	confirm   workflow.Confirmer
	refresher workflow.Refresher
	journal   Journal
	delay     time.Duration
	onCapture func(*capture.Still)
	logger    logrus.FieldLogger
	runner    *workflow.Runner

	mu      sync.Mutex
	still   *capture.Still
	pending map[*time.Timer]struct{}
	closed  bool
}

// New creates an enrollment controller
func New(opts Options) *Controller {
	c := &Controller{
		session:   opts.Session,
		capturer:  opts.Capturer,
		service:   opts.Service,
		status:    opts.Status,
		form:      opts.Form,
		confirm:   opts.Confirm,
		refresher: opts.Refresher,
		journal:   opts.Journal,
		delay:     opts.RefreshDelay,
		onCapture: opts.OnCapture,
		logger:    opts.Logger,
		pending:   make(map[*time.Timer]struct{}),
	}
	if c.capturer == nil {
		c.capturer = capture.New()
	}
	if c.status == nil {
		c.status = workflow.NopStatus{}
	}
	if c.form == nil {
		c.form = FormFunc(func() {})
	}
	if c.confirm == nil {
		c.confirm = workflow.ConfirmerFunc(func(string) bool { return false })
	}
	if c.refresher == nil {
		c.refresher = workflow.RefresherFunc(func([]string) {})
	}
	if c.delay < 0 {
		c.delay = 0
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.runner = workflow.NewRunner(opts.Submit, c.status)
	return c
}

// State returns the request state
func (c *Controller) State() workflow.State {
	return c.runner.State()
}

// HasCapture reports whether a captured still is cached
func (c *Controller) HasCapture() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.still != nil
}

// ToggleCamera starts or stops the preview session
func (c *Controller) ToggleCamera(ctx context.Context) error {
	return c.session.Toggle(ctx)
}

// WaitReady blocks until the camera delivers its first frame
func (c *Controller) WaitReady(ctx context.Context) error {
	return c.session.WaitReady(ctx)
}

// Capture grabs the current frame and replaces the cached still
func (c *Controller) Capture() error {
	c.status.Show(MsgCapturing, workflow.ToneProgress)

	still, err := c.capturer.Capture(c.session)
	if err != nil {
		c.logger.Warnf("Capture failed: %v", err)
		c.status.Show(MsgCaptureFailed, workflow.ToneFailure)
		if errors.Is(err, capture.ErrNoActiveSession) {
			return err
		}
		return workflow.CaptureFailed(err)
	}

	c.mu.Lock()
	c.still = still
	onCapture := c.onCapture
	c.mu.Unlock()

	c.logger.Debugf("Captured %dx%d still (%d bytes)", still.Width, still.Height, still.Size())
	if onCapture != nil {
		onCapture(still)
	}
	c.status.Show(MsgCaptured, workflow.ToneNeutral)
	return nil
}

// Submit adds a student. The image is the upload when given, otherwise the
// cached still, otherwise none.
func (c *Controller) Submit(ctx context.Context, name string, upload *Upload) error {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		c.status.Show(MsgNameRequired, workflow.ToneFailure)
		return workflow.Validation("name required")
	}

	image, cached, err := c.selectImage(name, upload)
	if err != nil {
		c.status.Show(err.Error(), workflow.ToneFailure)
		return err
	}
	if image == nil {
		c.logger.Warnf("Enrolling %s without an image; the server will use a placeholder", name)
	}

	if err := c.runner.Begin(nil, MsgUploading); err != nil {
		return err
	}

	res, err := c.service.AddStudent(ctx, name, image)
	if err != nil {
		reason := err.Error()
		c.logger.Errorf("Add student %s failed: %v", name, err)
		c.runner.Fail(MsgUploadFailed+reason, reason)
		c.record(journal.Entry{Action: journal.ActionEnroll, Subject: name, Outcome: workflow.KindTransportFailed.String(), Message: reason})
		return workflow.Transport(err)
	}

	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = MsgAddFailed
		}
		c.logger.Warnf("Server rejected %s: %s", name, msg)
		c.runner.Fail(msg, msg)
		c.record(journal.Entry{Action: journal.ActionEnroll, Subject: name, Outcome: workflow.KindServerRejected.String(), Message: msg})
		return workflow.Rejected(res.Error)
	}

	c.logger.Infof("Enrolled %s", name)
	c.runner.Succeed(MsgAdded, false)
	c.form.Reset()
	c.mu.Lock()
	// A still captured while the request was in flight survives
	if c.still == cached {
		c.still = nil
	}
	c.mu.Unlock()
	c.record(journal.Entry{Action: journal.ActionEnroll, Subject: name, Success: true})
	c.scheduleRefresh(res.Students)
	return nil
}

// selectImage applies upload precedence. It also returns the still cached at
// submission time, whether or not it was used.
func (c *Controller) selectImage(name string, upload *Upload) (*api.ImagePart, *capture.Still, error) {
	c.mu.Lock()
	still := c.still
	c.mu.Unlock()

	if upload != nil && len(upload.Data) > 0 {
		info, err := utils.SniffImage(upload.Data)
		if err != nil {
			return nil, nil, workflow.Validation("Unsupported image file %s: %v", upload.Filename, err)
		}
		filename := upload.Filename
		if filename == "" {
			filename = name + "." + info.Format
		}
		return &api.ImagePart{Filename: filename, ContentType: info.ContentType, Data: upload.Data}, still, nil
	}

	if still == nil {
		return nil, nil, nil
	}

	data, mime := still.Blob()
	return &api.ImagePart{Filename: name + ".jpg", ContentType: mime, Data: data}, still, nil
}

// Remove deletes name after confirmation. row is the control that triggered
// the removal and is disabled while the request runs.
func (c *Controller) Remove(ctx context.Context, name string, row workflow.Control) error {
	if !c.confirm.Confirm("Remove " + name + "?") {
		c.logger.Debugf("Removal of %s declined", name)
		return nil
	}
	if row == nil {
		row = workflow.NopControl{}
	}

	if err := c.runner.Begin(row, "Removing "+name+"..."); err != nil {
		return err
	}

	res, err := c.service.RemoveStudent(ctx, name)
	if err != nil {
		c.logger.Errorf("Remove student %s failed: %v", name, err)
		c.runner.Fail(MsgRemoveFailed, err.Error())
		c.record(journal.Entry{Action: journal.ActionRemove, Subject: name, Outcome: workflow.KindTransportFailed.String(), Message: err.Error()})
		return workflow.Transport(err)
	}
	if !res.OK {
		c.logger.Warnf("Server rejected removal of %s: %s", name, res.Error)
		c.runner.Fail(MsgRemoveFailed, res.Error)
		c.record(journal.Entry{Action: journal.ActionRemove, Subject: name, Outcome: workflow.KindServerRejected.String(), Message: res.Error})
		return workflow.Rejected(res.Error)
	}

	if res.Removed != nil && !*res.Removed {
		c.logger.Warnf("Server had no images for %s", name)
	}
	c.logger.Infof("Removed %s", name)
	c.runner.Succeed("Removed "+name, false)
	c.record(journal.Entry{Action: journal.ActionRemove, Subject: name, Success: true})
	c.scheduleRefresh(res.Students)
	return nil
}

// scheduleRefresh refreshes the roster after the configured delay and then
// releases the held control.
func (c *Controller) scheduleRefresh(students []string) {
	if c.journal != nil && students != nil {
		if err := c.journal.SaveRoster(students); err != nil {
			c.logger.Warnf("Failed to cache roster: %v", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		_, live := c.pending[timer]
		delete(c.pending, timer)
		c.mu.Unlock()
		if !live {
			return
		}
		c.refresher.Refresh(students)
		c.runner.Reset()
	})
	c.pending[timer] = struct{}{}
}

func (c *Controller) record(e journal.Entry) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Record(e); err != nil {
		c.logger.Warnf("Failed to journal %s attempt: %v", e.Action, err)
	}
}

// Close cancels pending refreshes and releases the camera
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	for timer := range c.pending {
		timer.Stop()
		delete(c.pending, timer)
	}
	c.mu.Unlock()

	return c.session.Close()
}
