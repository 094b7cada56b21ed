package live

import (
	"errors"
	"fmt"
)

// StateKind enumerates the turn-taking states of a live session.
type StateKind string

const (
	StateIdle      StateKind = "idle"
	StateListening StateKind = "listening"
	StateThinking  StateKind = "thinking"
	StateSpeaking  StateKind = "speaking"
	StateError     StateKind = "error"
	StateClosed    StateKind = "closed"
)

// State is the current turn-taking state. Reason is only set for StateError.
type State struct {
	Kind   StateKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
}

func (s State) String() string {
	if s.Kind == StateError && s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
	return string(s.Kind)
}

func (s State) Is(kind StateKind) bool { return s.Kind == kind }

// Idle is the initial state of every session.
func Idle() State { return State{Kind: StateIdle} }

// EventKind names the inputs the state machine understands.
type EventKind string

const (
	EventStartListening    EventKind = "start_listening"
	EventPause             EventKind = "pause"
	EventRecognitionFinal  EventKind = "recognition_final"
	EventRecognitionEmpty  EventKind = "recognition_empty"
	EventRecognitionError  EventKind = "recognition_error"
	EventSubmitText        EventKind = "submit_text"
	EventPermissionDenied  EventKind = "permission_denied"
	EventResponseReady     EventKind = "response_ready"
	EventResponseCancelled EventKind = "response_cancelled"
	EventResponseFailed    EventKind = "response_failed"
	EventSpeechFinished    EventKind = "speech_finished"
	EventPlaybackFailed    EventKind = "playback_failed"
	EventInterrupt         EventKind = "interrupt"
	EventAcknowledgeError  EventKind = "acknowledge_error"
	EventEnd               EventKind = "end"
)

// Event is a single state machine input. Text carries recognized or submitted
// text, Reason carries a human-readable error description.
type Event struct {
	Kind   EventKind
	Text   string
	Reason string
}

// ErrRejected marks an event that does not match the current state.
var ErrRejected = errors.New("transition rejected")

type rule struct {
	sources []StateKind
	dest    StateKind
}

var anyState = []StateKind{StateIdle, StateListening, StateThinking, StateSpeaking, StateError}

var rules = map[EventKind]rule{
	EventStartListening:    {sources: []StateKind{StateIdle}, dest: StateListening},
	EventPause:             {sources: []StateKind{StateListening}, dest: StateIdle},
	EventRecognitionFinal:  {sources: []StateKind{StateListening}, dest: StateThinking},
	EventRecognitionEmpty:  {sources: []StateKind{StateListening}, dest: StateIdle},
	EventRecognitionError:  {sources: []StateKind{StateListening}, dest: StateError},
	EventSubmitText:        {sources: []StateKind{StateIdle}, dest: StateThinking},
	EventPermissionDenied:  {sources: []StateKind{StateIdle}, dest: StateError},
	EventResponseReady:     {sources: []StateKind{StateThinking}, dest: StateSpeaking},
	EventResponseCancelled: {sources: []StateKind{StateThinking}, dest: StateIdle},
	EventResponseFailed:    {sources: []StateKind{StateThinking}, dest: StateError},
	EventSpeechFinished:    {sources: []StateKind{StateSpeaking}, dest: StateIdle},
	EventPlaybackFailed:    {sources: []StateKind{StateSpeaking}, dest: StateError},
	EventInterrupt:         {sources: []StateKind{StateThinking, StateSpeaking}, dest: StateIdle},
	EventAcknowledgeError:  {sources: []StateKind{StateError}, dest: StateIdle},
	EventEnd:               {sources: anyState, dest: StateClosed},
}

// Apply returns the state reached by applying evt to current. It has no side
// effects; an event whose row does not list the current state is rejected
// with an error wrapping ErrRejected and current is returned unchanged.
func Apply(current State, evt Event) (State, error) {
	r, ok := rules[evt.Kind]
	if !ok {
		return current, fmt.Errorf("%w: unknown event %q", ErrRejected, evt.Kind)
	}
	if !containsKind(r.sources, current.Kind) {
		return current, fmt.Errorf("%w: %s not allowed from %s", ErrRejected, evt.Kind, current)
	}
	next := State{Kind: r.dest}
	if r.dest == StateError {
		next.Reason = evt.Reason
		if next.Reason == "" {
			next.Reason = "unknown error"
		}
	}
	return next, nil
}

// CanTransition reports whether any event moves a session from one state to
// another.
func CanTransition(from, to StateKind) bool {
	for _, r := range rules {
		if r.dest == to && containsKind(r.sources, from) {
			return true
		}
	}
	return false
}

// Accepts reports whether evt would be applied from current.
func Accepts(current State, evt EventKind) bool {
	r, ok := rules[evt]
	return ok && containsKind(r.sources, current.Kind)
}

func containsKind(kinds []StateKind, k StateKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}
