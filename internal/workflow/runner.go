package workflow

import (
	"reflect"
	"sync"
)

// Phase is the request lifecycle phase
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInFlight
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInFlight:
		return "in_flight"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// State is the request state of one controller. Reason is set only in
// PhaseFailed.
type State struct {
	Phase  Phase
	Reason string
}

// Runner owns a controller's request state. It is the only place the state
// changes, and every transition also updates the bound control and status
// view, so a control is disabled for exactly as long as a request is in
// flight.
//
// Only one request may be in flight; Begin returns ErrBusy otherwise. Each
// request ends in exactly one of Succeed or Fail.
type Runner struct {
	mu       sync.Mutex
	state    State
	fallback Control
	active   Control
	held     []Control
	status   StatusView
	guard    func() bool
}

// NewRunner creates a runner in PhaseIdle. control is the default trigger
// disabled by Begin when no other control is given.
func NewRunner(control Control, status StatusView) *Runner {
	if control == nil {
		control = NopControl{}
	}
	if status == nil {
		status = NopStatus{}
	}
	return &Runner{fallback: control, status: status}
}

// SetGuard installs a predicate consulted whenever a control is released.
// The control is re-enabled only if the guard returns true.
func (r *Runner) SetGuard(fn func() bool) {
	r.mu.Lock()
	r.guard = fn
	r.mu.Unlock()
}

// State returns the current request state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// InFlight reports whether a request is outstanding
func (r *Runner) InFlight() bool {
	return r.State().Phase == PhaseInFlight
}

// Begin moves to PhaseInFlight, disables ctrl (or the default control when
// ctrl is nil) and shows msg as progress.
func (r *Runner) Begin(ctrl Control, msg string) error {
	r.mu.Lock()
	if r.state.Phase == PhaseInFlight {
		r.mu.Unlock()
		return ErrBusy
	}
	if ctrl == nil {
		ctrl = r.fallback
	}
	r.active = ctrl
	r.held = dropControl(r.held, ctrl)
	r.state = State{Phase: PhaseInFlight}
	status := r.status
	r.mu.Unlock()

	ctrl.SetEnabled(false)
	status.Show(msg, ToneProgress)
	return nil
}

// Succeed ends the in-flight request successfully and shows msg. When release
// is false the control stays disabled until Reset, which lets a caller hold
// the trigger while a follow-up refresh is pending. It returns false if no
// request was in flight.
func (r *Runner) Succeed(msg string, release bool) bool {
	ctrl, ok := r.finish(State{Phase: PhaseSucceeded})
	if !ok {
		return false
	}
	if !release {
		r.mu.Lock()
		r.held = append(r.held, ctrl)
		r.mu.Unlock()
	}
	r.status.Show(msg, ToneSuccess)
	if release {
		r.release(ctrl)
	}
	return true
}

// Fail ends the in-flight request with reason, shows msg and re-enables the
// control. It returns false if no request was in flight.
func (r *Runner) Fail(msg, reason string) bool {
	ctrl, ok := r.finish(State{Phase: PhaseFailed, Reason: reason})
	if !ok {
		return false
	}
	r.status.Show(msg, ToneFailure)
	r.release(ctrl)
	return true
}

// Reset releases every control held by a successful request and returns a
// finished runner to PhaseIdle. While a request is in flight its control
// stays disabled and the phase is left alone.
func (r *Runner) Reset() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	if r.state.Phase != PhaseInFlight {
		r.state = State{}
		r.active = nil
	}
	r.mu.Unlock()

	for _, ctrl := range held {
		r.release(ctrl)
	}
}

func (r *Runner) finish(next State) (Control, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Phase != PhaseInFlight {
		return nil, false
	}
	r.state = next
	return r.active, true
}

func (r *Runner) release(ctrl Control) {
	r.mu.Lock()
	guard := r.guard
	r.mu.Unlock()

	ctrl.SetEnabled(guard == nil || guard())
}

// dropControl removes ctrl from held. A control now in flight is owned by
// the new request.
func dropControl(held []Control, ctrl Control) []Control {
	out := held[:0]
	for _, c := range held {
		if !sameControl(c, ctrl) {
			out = append(out, c)
		}
	}
	return out
}

func sameControl(a, b Control) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}
