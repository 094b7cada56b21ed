package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/geminilive/internal/conversation"
)

// ErrClosed is returned by commands issued after End.
var ErrClosed = errors.New("session closed")

const (
	interruptedNotice      = "Interrupted. Ready for input."
	generationFailedNotice = "Sorry, I couldn't generate a response."

	defaultGenerateTimeout = 20 * time.Second
	defaultDrainTimeout    = 2 * time.Second
)

// Options tunes a Controller. The zero value is usable.
type Options struct {
	SessionID       string
	MaxMessages     int
	GenerateTimeout time.Duration
	DrainTimeout    time.Duration
	// SilentInterrupt suppresses the system message appended on interrupt.
	SilentInterrupt bool
	// DescribeError turns port and generator errors into the reason carried
	// by the Error state. Defaults to err.Error().
	DescribeError func(error) string
	Logger        *log.Logger
	Telemetry     Telemetry
}

type commandKind string

const (
	cmdBegin     commandKind = "begin"
	cmdPause     commandKind = "pause"
	cmdSendText  commandKind = "send_text"
	cmdInterrupt commandKind = "interrupt"
	cmdAckError  commandKind = "acknowledge_error"
	cmdEnd       commandKind = "end"
)

type messageKind int

const (
	msgCommand messageKind = iota
	msgPartial
	msgFinal
	msgCaptureError
	msgGenerated
	msgPlaybackDone
)

type message struct {
	kind  messageKind
	cmd   commandKind
	reply chan error

	gen     uint64
	text    string
	err     error
	outcome PlaybackOutcome

	cancelled bool
	elapsed   time.Duration
}

// Controller orchestrates one live conversational session. A single
// goroutine owns the session state; commands and port callbacks are queued
// to it in arrival order.
type Controller struct {
	id        string
	input     SpeechInput
	brain     ResponseGenerator
	output    SpeechOutput
	log       *conversation.Log
	opts      Options
	logger    *log.Logger
	telemetry Telemetry

	inbox    *mailbox[message]
	notifier *notifier
	stopped  chan struct{}

	mu        sync.RWMutex
	published State

	// Owned by the run goroutine.
	state            State
	captureGen       uint64
	captureActive    bool
	captureStartedAt time.Time
	utteranceGen     uint64
	utteranceActive  bool
	utteranceTask    uint64
	speakStartedAt   time.Time
	turnStartedAt    time.Time
	tasks            taskSlot
	deferredQuery    *string
	baseCtx          context.Context
	baseCancel       context.CancelFunc
}

func NewController(input SpeechInput, brain ResponseGenerator, output SpeechOutput, opts Options) *Controller {
	if strings.TrimSpace(opts.SessionID) == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = defaultGenerateTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.DescribeError == nil {
		opts.DescribeError = func(err error) string { return err.Error() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	var telemetry Telemetry = nopTelemetry{}
	if opts.Telemetry != nil {
		telemetry = opts.Telemetry
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Controller{
		id:         opts.SessionID,
		input:      input,
		brain:      brain,
		output:     output,
		log:        conversation.NewLog(opts.MaxMessages),
		opts:       opts,
		logger:     logger,
		telemetry:  telemetry,
		inbox:      newMailbox[message](),
		notifier:   newNotifier(),
		stopped:    make(chan struct{}),
		published:  Idle(),
		state:      Idle(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	go c.run()
	return c
}

func (c *Controller) ID() string { return c.id }

// State returns the most recently applied session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Messages returns a snapshot of the conversation log.
func (c *Controller) Messages() []conversation.Message { return c.log.Snapshot() }

// Subscribe registers fn for state, message and partial transcript
// notifications. The returned function unsubscribes and is idempotent.
func (c *Controller) Subscribe(fn func(Notification)) func() {
	return c.notifier.subscribe(fn)
}

// Done is closed once End has been processed.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// Begin starts listening. Valid from Idle.
func (c *Controller) Begin() error { return c.call(cmdBegin, "") }

// Pause stops listening without submitting anything. Valid from Listening.
func (c *Controller) Pause() error { return c.call(cmdPause, "") }

// SendText submits typed input. Valid from Idle.
func (c *Controller) SendText(text string) error { return c.call(cmdSendText, text) }

// Interrupt cancels the in-flight reply. Valid from Thinking or Speaking.
func (c *Controller) Interrupt() error { return c.call(cmdInterrupt, "") }

// AcknowledgeError returns an errored session to Idle.
func (c *Controller) AcknowledgeError() error { return c.call(cmdAckError, "") }

// End tears the session down. It is idempotent.
func (c *Controller) End() error { return c.call(cmdEnd, "") }

func (c *Controller) call(cmd commandKind, text string) error {
	reply := make(chan error, 1)
	if !c.inbox.put(message{kind: msgCommand, cmd: cmd, text: text, reply: reply}) {
		return closedResult(cmd)
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return closedResult(cmd)
		}
	}
}

func closedResult(cmd commandKind) error {
	if cmd == cmdEnd {
		return nil
	}
	return ErrClosed
}

func (c *Controller) run() {
	for {
		m, ok := c.inbox.take()
		if !ok {
			break
		}
		c.handle(m)
		if c.state.Is(StateClosed) {
			break
		}
	}

	c.inbox.close()
	for {
		m, ok := c.inbox.take()
		if !ok {
			break
		}
		if m.reply != nil {
			m.reply <- closedResult(m.cmd)
		}
	}
	c.notifier.close()
	close(c.stopped)
}

func (c *Controller) handle(m message) {
	switch m.kind {
	case msgCommand:
		m.reply <- c.handleCommand(m.cmd, m.text)
	case msgPartial:
		c.onPartial(m.gen, m.text)
	case msgFinal:
		c.onFinal(m.gen, m.text)
	case msgCaptureError:
		c.onCaptureError(m.gen, m.err)
	case msgGenerated:
		c.onGenerated(m)
	case msgPlaybackDone:
		c.onPlaybackDone(m.gen, m.outcome)
	}
}

func (c *Controller) handleCommand(cmd commandKind, text string) error {
	switch cmd {
	case cmdBegin:
		return c.begin()
	case cmdPause:
		return c.pause()
	case cmdSendText:
		return c.sendText(text)
	case cmdInterrupt:
		return c.interrupt()
	case cmdAckError:
		return c.fire(Event{Kind: EventAcknowledgeError})
	case cmdEnd:
		return c.end()
	default:
		return fmt.Errorf("%w: unknown command %q", ErrRejected, cmd)
	}
}

func (c *Controller) begin() error {
	if !Accepts(c.state, EventStartListening) {
		return c.fire(Event{Kind: EventStartListening})
	}
	if err := c.input.Available(); err != nil {
		return c.fire(Event{Kind: EventPermissionDenied, Reason: c.opts.DescribeError(err)})
	}

	c.captureGen++
	gen := c.captureGen
	if err := c.input.Start(c.captureHandlers(gen)); err != nil {
		c.captureGen++
		return c.fire(Event{Kind: EventPermissionDenied, Reason: c.opts.DescribeError(err)})
	}
	c.captureActive = true
	c.captureStartedAt = time.Now()
	return c.fire(Event{Kind: EventStartListening})
}

func (c *Controller) captureHandlers(gen uint64) CaptureHandlers {
	return CaptureHandlers{
		OnPartial: func(text string) {
			c.inbox.put(message{kind: msgPartial, gen: gen, text: text})
		},
		OnFinal: func(text string) {
			c.inbox.put(message{kind: msgFinal, gen: gen, text: text})
		},
		OnError: func(err error) {
			c.inbox.put(message{kind: msgCaptureError, gen: gen, err: err})
		},
	}
}

func (c *Controller) pause() error {
	if !Accepts(c.state, EventPause) {
		return c.fire(Event{Kind: EventPause})
	}
	c.stopCapture()
	return c.fire(Event{Kind: EventPause})
}

// stopCapture releases the microphone and invalidates callbacks of the
// current capture that may still be queued.
func (c *Controller) stopCapture() {
	if c.captureActive {
		c.input.Stop()
		c.captureActive = false
	}
	c.captureGen++
}

func (c *Controller) isCurrentCapture(gen uint64) bool {
	return c.captureActive && gen == c.captureGen
}

func (c *Controller) onPartial(gen uint64, text string) {
	if !c.isCurrentCapture(gen) || !c.state.Is(StateListening) {
		return
	}
	c.notifier.post(Notification{Kind: NotifyPartial, Text: text})
}

func (c *Controller) onFinal(gen uint64, text string) {
	if !c.isCurrentCapture(gen) {
		c.logger.Printf("live: session=%s dropped stale final result (capture %d)", c.id, gen)
		return
	}
	c.stopCapture()
	c.telemetry.ObserveStage("listen_to_final", time.Since(c.captureStartedAt))

	text = strings.TrimSpace(text)
	if text == "" {
		_ = c.fire(Event{Kind: EventRecognitionEmpty})
		return
	}
	if err := c.fire(Event{Kind: EventRecognitionFinal, Text: text}); err != nil {
		return
	}
	c.append(conversation.SenderUser, text)
	c.startPipeline(text)
}

func (c *Controller) onCaptureError(gen uint64, err error) {
	if !c.isCurrentCapture(gen) {
		c.logger.Printf("live: session=%s dropped stale capture error (capture %d): %v", c.id, gen, err)
		return
	}
	c.stopCapture()
	reason := "speech capture failed"
	if err != nil {
		reason = c.opts.DescribeError(err)
	}
	_ = c.fire(Event{Kind: EventRecognitionError, Reason: reason})
}

func (c *Controller) sendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		c.telemetry.ObserveRejected(string(EventSubmitText), string(c.state.Kind))
		return fmt.Errorf("%w: empty text", ErrRejected)
	}
	if err := c.fire(Event{Kind: EventSubmitText, Text: text}); err != nil {
		return err
	}
	c.append(conversation.SenderUser, text)
	c.startPipeline(text)
	return nil
}

func (c *Controller) startPipeline(query string) {
	c.turnStartedAt = time.Now()
	task, err := c.tasks.start(c.baseCtx, query)
	switch {
	case errors.Is(err, errTaskDraining):
		c.deferredQuery = &query
		return
	case err != nil:
		c.logger.Printf("live: session=%s pipeline start refused: %v", c.id, err)
		_ = c.fire(Event{Kind: EventResponseFailed, Reason: c.opts.DescribeError(err)})
		return
	}
	go c.generate(task)
}

// generate runs off the controller goroutine. Its only effect is the single
// msgGenerated it posts before returning.
func (c *Controller) generate(t *pendingTask) {
	defer close(t.done)

	ctx, cancel := context.WithTimeout(t.ctx, c.opts.GenerateTimeout)
	defer cancel()

	started := time.Now()
	reply, err := c.brain.Generate(ctx, t.query)
	cancelled := t.ctx.Err() != nil || errors.Is(err, context.Canceled)
	c.inbox.put(message{
		kind:      msgGenerated,
		gen:       t.id,
		text:      reply,
		err:       err,
		cancelled: cancelled,
		elapsed:   time.Since(started),
	})
}

func (c *Controller) onGenerated(m message) {
	live, drained := c.tasks.generated(m.gen)
	if drained {
		if q := c.deferredQuery; q != nil {
			c.deferredQuery = nil
			c.startPipeline(*q)
		}
		return
	}
	if !live {
		return
	}
	c.telemetry.ObserveStage("generate", m.elapsed)

	reply := strings.TrimSpace(m.text)
	switch {
	case m.cancelled:
		c.tasks.complete(m.gen)
		_ = c.fire(Event{Kind: EventResponseCancelled})
		return
	case m.err != nil:
		c.tasks.complete(m.gen)
		reason := c.opts.DescribeError(m.err)
		if errors.Is(m.err, context.DeadlineExceeded) {
			reason = "response timed out"
		}
		c.logger.Printf("live: session=%s generation failed: %v", c.id, m.err)
		if c.fire(Event{Kind: EventResponseFailed, Reason: reason}) == nil {
			c.append(conversation.SenderSystem, generationFailedNotice)
		}
		return
	case reply == "":
		c.tasks.complete(m.gen)
		_ = c.fire(Event{Kind: EventResponseCancelled})
		return
	}

	if !Accepts(c.state, EventResponseReady) {
		c.tasks.complete(m.gen)
		_ = c.fire(Event{Kind: EventResponseReady})
		return
	}
	c.append(conversation.SenderAssistant, reply)
	_ = c.fire(Event{Kind: EventResponseReady, Text: reply})

	c.utteranceGen++
	gen := c.utteranceGen
	c.utteranceActive = true
	c.utteranceTask = m.gen
	c.speakStartedAt = time.Now()
	c.output.Speak(reply, func(o PlaybackOutcome) {
		c.inbox.put(message{kind: msgPlaybackDone, gen: gen, outcome: o})
	})
}

func (c *Controller) onPlaybackDone(gen uint64, o PlaybackOutcome) {
	if !c.utteranceActive || gen != c.utteranceGen {
		return
	}
	c.utteranceActive = false
	c.tasks.complete(c.utteranceTask)
	c.telemetry.ObserveStage("speak", time.Since(c.speakStartedAt))

	if o.Status == PlaybackFailed {
		reason := "playback failed"
		if o.Err != nil {
			reason = c.opts.DescribeError(o.Err)
		}
		_ = c.fire(Event{Kind: EventPlaybackFailed, Reason: reason})
		return
	}
	if c.fire(Event{Kind: EventSpeechFinished}) == nil && o.Status == PlaybackCompleted {
		c.telemetry.ObserveStage("turn_total", time.Since(c.turnStartedAt))
	}
}

func (c *Controller) interrupt() error {
	if !Accepts(c.state, EventInterrupt) {
		return c.fire(Event{Kind: EventInterrupt})
	}
	c.tasks.cancel()
	c.deferredQuery = nil
	c.stopOutput()
	if err := c.fire(Event{Kind: EventInterrupt}); err != nil {
		return err
	}
	if !c.opts.SilentInterrupt {
		c.append(conversation.SenderSystem, interruptedNotice)
	}
	return nil
}

// stopOutput halts playback and invalidates the pending completion callback.
func (c *Controller) stopOutput() {
	c.utteranceActive = false
	c.utteranceGen++
	c.output.Stop()
}

func (c *Controller) end() error {
	if c.state.Is(StateClosed) {
		return nil
	}
	c.tasks.cancel()
	c.deferredQuery = nil
	c.baseCancel()

	c.captureActive = false
	c.captureGen++
	c.input.Stop()
	c.stopOutput()

	if err := c.fire(Event{Kind: EventEnd}); err != nil {
		return err
	}
	if done := c.tasks.pending(); len(done) > 0 {
		go func() {
			if !waitDone(done, c.opts.DrainTimeout) {
				c.logger.Printf("live: session=%s pipeline did not stop within %s", c.id, c.opts.DrainTimeout)
			}
		}()
	}
	return nil
}

func (c *Controller) append(sender conversation.Sender, content string) {
	msg, ok := c.log.Append(sender, content)
	if !ok {
		return
	}
	c.notifier.post(Notification{Kind: NotifyMessage, Message: msg})
}

// fire applies evt to the current state. Rejected events leave the state
// untouched and are logged only.
func (c *Controller) fire(evt Event) error {
	prev := c.state
	next, err := Apply(prev, evt)
	if err != nil {
		c.logger.Printf("live: session=%s %v", c.id, err)
		c.telemetry.ObserveRejected(string(evt.Kind), string(prev.Kind))
		return err
	}
	c.state = next

	c.mu.Lock()
	c.published = next
	c.mu.Unlock()

	c.telemetry.ObserveTransition(string(evt.Kind), string(prev.Kind), string(next.Kind))
	c.notifier.post(Notification{Kind: NotifyState, State: next})
	return nil
}
