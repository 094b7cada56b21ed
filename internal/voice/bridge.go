package voice

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/geminilive/internal/live"
	"github.com/ent0n29/geminilive/internal/protocol"
)

var (
	ErrNotConnected       = errors.New("client not connected")
	ErrClientDisconnected = errors.New("client disconnected")
)

// Sender delivers one protocol message to the attached client.
type Sender func(msg any) error

// RecognitionError is a recognizer failure reported by the client.
type RecognitionError struct {
	Code   string
	Detail string
}

func (e *RecognitionError) Error() string {
	if e.Detail == "" {
		return "speech recognition failed: " + e.Code
	}
	return "speech recognition failed: " + e.Code + ": " + e.Detail
}

func (e *RecognitionError) ErrorCode() string { return e.Code }

// PlaybackError is a playback failure reported by the client.
type PlaybackError struct {
	Detail string
}

func (e *PlaybackError) Error() string {
	if e.Detail == "" {
		return "playback failed"
	}
	return "playback failed: " + e.Detail
}

type remoteCapture struct {
	id       string
	handlers live.CaptureHandlers
}

type remoteUtterance struct {
	id         string
	onFinished func(live.PlaybackOutcome)
}

// RemoteBridge drives speech capture and playback on a connected client.
// The browser performs recognition and synthesis; the bridge turns port calls
// into protocol messages and routes the client's reports back by capture and
// utterance id. Reports for anything but the current id are dropped.
//
// Capture handlers run with the bridge lock held, so none is invoked after
// Stop returns. They must not call back into the bridge.
type RemoteBridge struct {
	sessionID string
	logger    *log.Logger

	mu        sync.Mutex
	send      Sender
	attachID  uint64
	capture   *remoteCapture
	utterance *remoteUtterance
}

func NewRemoteBridge(sessionID string, logger *log.Logger) *RemoteBridge {
	if logger == nil {
		logger = log.Default()
	}
	return &RemoteBridge{sessionID: sessionID, logger: logger}
}

// Input returns the bridge's speech input port.
func (b *RemoteBridge) Input() live.SpeechInput { return bridgeInput{b} }

// Output returns the bridge's speech output port.
func (b *RemoteBridge) Output() live.SpeechOutput { return bridgeOutput{b} }

// Attach routes outgoing messages to send until the returned detach function
// is called. A newer Attach replaces the previous client and fails the capture
// and utterance that client was responsible for, as detaching does.
func (b *RemoteBridge) Attach(send Sender) (detach func()) {
	b.mu.Lock()
	b.attachID++
	id := b.attachID
	replaced := b.send != nil
	b.send = send
	var utterance *remoteUtterance
	if replaced {
		b.failCaptureLocked()
		utterance = b.utterance
		b.utterance = nil
	}
	b.mu.Unlock()

	if utterance != nil {
		utterance.onFinished(live.PlaybackOutcome{Status: live.PlaybackFailed, Err: ErrClientDisconnected})
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.detach(id) })
	}
}

func (b *RemoteBridge) detach(id uint64) {
	b.mu.Lock()
	if b.attachID != id {
		b.mu.Unlock()
		return
	}
	b.send = nil
	b.failCaptureLocked()
	utterance := b.utterance
	b.utterance = nil
	b.mu.Unlock()

	if utterance != nil {
		utterance.onFinished(live.PlaybackOutcome{Status: live.PlaybackFailed, Err: ErrClientDisconnected})
	}
}

// failCaptureLocked ends the active capture with ErrClientDisconnected.
func (b *RemoteBridge) failCaptureLocked() {
	c := b.capture
	b.capture = nil
	if c != nil && c.handlers.OnError != nil {
		c.handlers.OnError(ErrClientDisconnected)
	}
}

// Connected reports whether a client is attached.
func (b *RemoteBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send != nil
}

// sendLocked must be called with b.mu held so messages keep their order.
func (b *RemoteBridge) sendLocked(msg any) error {
	if b.send == nil {
		return ErrNotConnected
	}
	return b.send(msg)
}

func (b *RemoteBridge) available() error {
	if !b.Connected() {
		return ErrNotConnected
	}
	return nil
}

func (b *RemoteBridge) startCapture(h live.CaptureHandlers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capture != nil {
		return live.ErrCaptureActive
	}
	c := &remoteCapture{id: uuid.NewString(), handlers: h}
	if err := b.sendLocked(protocol.CaptureStart{
		Type:      protocol.TypeCaptureStart,
		SessionID: b.sessionID,
		CaptureID: c.id,
	}); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	b.capture = c
	return nil
}

func (b *RemoteBridge) stopCapture() {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.capture
	if c == nil {
		return
	}
	b.capture = nil
	if err := b.sendLocked(protocol.CaptureStop{
		Type:      protocol.TypeCaptureStop,
		SessionID: b.sessionID,
		CaptureID: c.id,
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		b.logger.Printf("voice: session=%s capture_stop send failed: %v", b.sessionID, err)
	}
}

// HandleTranscriptPartial reports an interim recognition result. It returns
// false when captureID is not the active capture.
func (b *RemoteBridge) HandleTranscriptPartial(captureID, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.capture
	if c == nil || c.id != captureID {
		return false
	}
	if c.handlers.OnPartial != nil {
		c.handlers.OnPartial(text)
	}
	return true
}

// HandleTranscriptFinal delivers the final result and ends the capture.
func (b *RemoteBridge) HandleTranscriptFinal(captureID, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.takeCaptureLocked(captureID)
	if c == nil {
		return false
	}
	if c.handlers.OnFinal != nil {
		c.handlers.OnFinal(text)
	}
	return true
}

// HandleTranscriptError delivers a recognizer failure and ends the capture.
func (b *RemoteBridge) HandleTranscriptError(captureID, code, detail string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.takeCaptureLocked(captureID)
	if c == nil {
		return false
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = "unknown"
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(&RecognitionError{Code: code, Detail: strings.TrimSpace(detail)})
	}
	return true
}

func (b *RemoteBridge) takeCaptureLocked(captureID string) *remoteCapture {
	c := b.capture
	if c == nil || c.id != captureID {
		return nil
	}
	b.capture = nil
	return c
}

func (b *RemoteBridge) speak(text string, onFinished func(live.PlaybackOutcome)) {
	u := &remoteUtterance{id: uuid.NewString(), onFinished: onFinished}

	b.mu.Lock()
	prev := b.utterance
	if prev != nil {
		_ = b.sendLocked(protocol.SpeakStop{Type: protocol.TypeSpeakStop, SessionID: b.sessionID, UtteranceID: prev.id})
	}
	b.utterance = nil
	err := b.sendLocked(protocol.Speak{
		Type:        protocol.TypeSpeak,
		SessionID:   b.sessionID,
		UtteranceID: u.id,
		Text:        Speakable(text),
	})
	if err == nil {
		b.utterance = u
	}
	b.mu.Unlock()

	if prev != nil {
		prev.onFinished(live.PlaybackOutcome{Status: live.PlaybackCancelled})
	}
	if err != nil {
		onFinished(live.PlaybackOutcome{Status: live.PlaybackFailed, Err: err})
	}
}

func (b *RemoteBridge) stopSpeaking() {
	b.mu.Lock()
	u := b.utterance
	b.utterance = nil
	if u != nil {
		if err := b.sendLocked(protocol.SpeakStop{
			Type:        protocol.TypeSpeakStop,
			SessionID:   b.sessionID,
			UtteranceID: u.id,
		}); err != nil && !errors.Is(err, ErrNotConnected) {
			b.logger.Printf("voice: session=%s speak_stop send failed: %v", b.sessionID, err)
		}
	}
	b.mu.Unlock()

	if u != nil {
		u.onFinished(live.PlaybackOutcome{Status: live.PlaybackCancelled})
	}
}

// HandlePlaybackFinished reports the end of an utterance. It returns false
// when utteranceID is not the current utterance.
func (b *RemoteBridge) HandlePlaybackFinished(utteranceID, status, detail string) bool {
	b.mu.Lock()
	u := b.utterance
	if u == nil || u.id != utteranceID {
		b.mu.Unlock()
		return false
	}
	b.utterance = nil
	b.mu.Unlock()

	outcome := live.PlaybackOutcome{Status: live.PlaybackCompleted}
	switch status {
	case protocol.PlaybackCancelled:
		outcome.Status = live.PlaybackCancelled
	case protocol.PlaybackFailed:
		outcome = live.PlaybackOutcome{Status: live.PlaybackFailed, Err: &PlaybackError{Detail: strings.TrimSpace(detail)}}
	}
	u.onFinished(outcome)
	return true
}

type bridgeInput struct{ b *RemoteBridge }

func (i bridgeInput) Available() error                   { return i.b.available() }
func (i bridgeInput) Start(h live.CaptureHandlers) error { return i.b.startCapture(h) }
func (i bridgeInput) Stop()                              { i.b.stopCapture() }

type bridgeOutput struct{ b *RemoteBridge }

func (o bridgeOutput) Speak(text string, onFinished func(live.PlaybackOutcome)) {
	o.b.speak(text, onFinished)
}
func (o bridgeOutput) Stop() { o.b.stopSpeaking() }
