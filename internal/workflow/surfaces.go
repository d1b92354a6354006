// Package workflow provides the capture-and-submit request lifecycle shared by
// the enrollment and verification controllers, together with the UI surfaces
// those controllers drive.
package workflow

// Tone selects how a status message is presented
type Tone int

const (
	ToneNeutral Tone = iota
	ToneProgress
	ToneSuccess
	ToneFailure
)

func (t Tone) String() string {
	switch t {
	case ToneProgress:
		return "progress"
	case ToneSuccess:
		return "success"
	case ToneFailure:
		return "failure"
	default:
		return "neutral"
	}
}

// StatusView is the result/status display region. Show replaces whatever was
// shown before; at most one message is visible at a time.
type StatusView interface {
	Show(msg string, tone Tone)
	Clear()
}

// Control is a trigger (button) whose availability the controller manages.
type Control interface {
	SetEnabled(enabled bool)
	SetLabel(label string)
}

// Confirmer asks the operator to approve an irreversible action.
type Confirmer interface {
	Confirm(prompt string) bool
}

// Refresher brings the roster view up to date after a successful change.
// students is the roster reported by the server, nil when unknown.
type Refresher interface {
	Refresh(students []string)
}

// Cue plays a success indication (sound, LED, bell).
type Cue interface {
	Success()
}

// NopControl ignores all calls.
type NopControl struct{}

func (NopControl) SetEnabled(bool) {}
func (NopControl) SetLabel(string) {}

// NopStatus ignores all calls.
type NopStatus struct{}

func (NopStatus) Show(string, Tone) {}
func (NopStatus) Clear()            {}

// NopCue ignores all calls.
type NopCue struct{}

func (NopCue) Success() {}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(students []string)

func (f RefresherFunc) Refresh(students []string) { f(students) }

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(prompt string) bool

func (f ConfirmerFunc) Confirm(prompt string) bool { return f(prompt) }
