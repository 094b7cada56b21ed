package live

import (
	"context"
	"errors"
	"time"
)

// ErrCaptureActive is returned by SpeechInput.Start when a capture is
// already running.
var ErrCaptureActive = errors.New("speech capture already active")

// CaptureHandlers receive results of a single capture. OnFinal or OnError is
// invoked at most once per Start; OnPartial may fire any number of times
// before that.
type CaptureHandlers struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

// SpeechInput is a continuous transcription capability.
type SpeechInput interface {
	// Available reports whether capture is permitted and possible right now.
	Available() error
	// Start begins capture. It fails fast with ErrCaptureActive when a
	// capture is already running.
	Start(h CaptureHandlers) error
	// Stop is idempotent. No callback of the stopped capture fires after it
	// returns.
	Stop()
}

// ResponseGenerator produces a reply for a query. Implementations observe
// ctx and return ctx.Err() promptly once it is cancelled.
type ResponseGenerator interface {
	Generate(ctx context.Context, query string) (string, error)
}

// PlaybackStatus is the terminal outcome of an utterance.
type PlaybackStatus string

const (
	PlaybackCompleted PlaybackStatus = "completed"
	PlaybackCancelled PlaybackStatus = "cancelled"
	PlaybackFailed    PlaybackStatus = "failed"
)

type PlaybackOutcome struct {
	Status PlaybackStatus
	Err    error
}

// SpeechOutput speaks text asynchronously, at most one utterance at a time.
type SpeechOutput interface {
	// Speak starts playback, stopping any utterance in progress first.
	// onFinished fires exactly once per Speak call.
	Speak(text string, onFinished func(PlaybackOutcome))
	// Stop is idempotent. An utterance in flight finishes with
	// PlaybackCancelled.
	Stop()
}

// Telemetry receives controller diagnostics. All methods must be safe for
// concurrent use and must not block.
type Telemetry interface {
	ObserveTransition(event, from, to string)
	ObserveRejected(event, state string)
	ObserveStage(stage string, d time.Duration)
}

type nopTelemetry struct{}

func (nopTelemetry) ObserveTransition(string, string, string) {}
func (nopTelemetry) ObserveRejected(string, string)           {}
func (nopTelemetry) ObserveStage(string, time.Duration)       {}
