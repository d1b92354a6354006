// Package cli provides the command-line front ends for FaceAttend
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/schollz/progressbar/v3"
)

// TerminalStatus renders status messages as lines. Progress messages run a
// spinner until the next message replaces them.
type TerminalStatus struct {
	mu      sync.Mutex
	out     io.Writer
	spinner *progressbar.ProgressBar
	stop    chan struct{}
	visible bool
}

// NewTerminalStatus writes to out
func NewTerminalStatus(out io.Writer) *TerminalStatus {
	return &TerminalStatus{out: out}
}

func (s *TerminalStatus) Show(msg string, tone workflow.Tone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopSpinner()
	s.visible = true

	if tone == workflow.ToneProgress {
		s.startSpinner(msg)
		return
	}
	fmt.Fprintf(s.out, "%s %s\n", marker(tone), msg)
}

func (s *TerminalStatus) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopSpinner()
	s.visible = false
}

// Visible reports whether a message is currently shown
func (s *TerminalStatus) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *TerminalStatus) startSpinner(msg string) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionSetDescription(msg),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetElapsedTime(true),
	)
	stop := make(chan struct{})
	s.spinner = bar
	s.stop = stop

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()
}

func (s *TerminalStatus) stopSpinner() {
	if s.spinner == nil {
		return
	}
	close(s.stop)
	_ = s.spinner.Finish()
	s.spinner = nil
	s.stop = nil
}

func marker(tone workflow.Tone) string {
	switch tone {
	case workflow.ToneSuccess:
		return "✓"
	case workflow.ToneFailure:
		return "✗"
	default:
		return "·"
	}
}

// TerminalControl is a keyboard trigger. While disabled, key presses are
// ignored by the command loop.
type TerminalControl struct {
	mu      sync.Mutex
	enabled bool
	label   string
}

func (c *TerminalControl) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

func (c *TerminalControl) SetLabel(label string) {
	c.mu.Lock()
	c.label = label
	c.mu.Unlock()
}

func (c *TerminalControl) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *TerminalControl) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// PromptConfirmer asks y/N questions on a terminal
type PromptConfirmer struct {
	In  *bufio.Reader
	Out io.Writer
}

func (p PromptConfirmer) Confirm(prompt string) bool {
	fmt.Fprintf(p.Out, "%s [y/N]: ", prompt)

	response, err := p.In.ReadString('\n')
	if err != nil && response == "" {
		fmt.Fprintln(p.Out)
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// RosterPrinter prints the roster after every change and signals Done
type RosterPrinter struct {
	Out  io.Writer
	Done chan struct{}
}

// NewRosterPrinter returns a printer with a buffered Done channel
func NewRosterPrinter(out io.Writer) *RosterPrinter {
	return &RosterPrinter{Out: out, Done: make(chan struct{}, 1)}
}

func (r *RosterPrinter) Refresh(students []string) {
	printRoster(r.Out, students)
	select {
	case r.Done <- struct{}{}:
	default:
	}
}

func printRoster(out io.Writer, students []string) {
	if students == nil {
		fmt.Fprintln(out, "Roster unavailable.")
		return
	}
	if len(students) == 0 {
		fmt.Fprintln(out, "No enrolled students.")
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Enrolled Students")
	fmt.Fprintln(out, "=================")
	for _, name := range students {
		fmt.Fprintf(out, "  %s\n", name)
	}
	fmt.Fprintf(out, "\nTotal: %d student(s)\n", len(students))
}

// Bell rings the terminal bell
type Bell struct {
	Out io.Writer
}

func (b Bell) Success() {
	fmt.Fprint(b.Out, "\a")
}
