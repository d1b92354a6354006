// Package workflowtest provides recording UI surfaces for controller tests.
package workflowtest

import (
	"sync"

	"github.com/MrCodeEU/FaceAttend/internal/workflow"
)

// Message is one rendered status
type Message struct {
	Text string
	Tone workflow.Tone
}

// Status records every message shown
type Status struct {
	mu       sync.Mutex
	messages []Message
	current  *Message
	clears   int
}

func (s *Status) Show(msg string, tone workflow.Tone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Message{Text: msg, Tone: tone}
	s.messages = append(s.messages, m)
	s.current = &m
}

func (s *Status) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.clears++
}

// Current returns the visible message, if any
func (s *Status) Current() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Message{}, false
	}
	return *s.current, true
}

// Messages returns a copy of everything shown so far
func (s *Status) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Terminal returns the messages with a success or failure tone
func (s *Status) Terminal() []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Tone == workflow.ToneSuccess || m.Tone == workflow.ToneFailure {
			out = append(out, m)
		}
	}
	return out
}

// Clears returns how many times Clear was called
func (s *Status) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// Control records enabled state and label changes
type Control struct {
	mu      sync.Mutex
	enabled bool
	label   string
	history []bool
}

// NewControl returns a control with the given initial state
func NewControl(enabled bool) *Control {
	return &Control{enabled: enabled}
}

func (c *Control) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	c.history = append(c.history, enabled)
}

func (c *Control) SetLabel(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label = label
}

func (c *Control) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Control) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// History returns every SetEnabled value in order
func (c *Control) History() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.history...)
}

// Confirmer answers every prompt with Answer and records the prompts
type Confirmer struct {
	mu      sync.Mutex
	Answer  bool
	prompts []string
}

func (c *Confirmer) Confirm(prompt string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	return c.Answer
}

func (c *Confirmer) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// Refresher records refresh calls and signals Done on each
type Refresher struct {
	mu    sync.Mutex
	calls [][]string
	Done  chan struct{}
}

// NewRefresher returns a refresher with a buffered Done channel
func NewRefresher() *Refresher {
	return &Refresher{Done: make(chan struct{}, 8)}
}

func (r *Refresher) Refresh(students []string) {
	r.mu.Lock()
	r.calls = append(r.calls, students)
	r.mu.Unlock()
	select {
	case r.Done <- struct{}{}:
	default:
	}
}

func (r *Refresher) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

// Cue counts success cues
type Cue struct {
	mu    sync.Mutex
	count int
}

func (c *Cue) Success() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *Cue) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
