package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// devices tracks microphone and speaker ownership across the fake ports.
type devices struct {
	mu        sync.Mutex
	mic       bool
	speaker   bool
	violation bool
}

func (d *devices) setMic(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mic = on
	if d.mic && d.speaker {
		d.violation = true
	}
}

func (d *devices) setSpeaker(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaker = on
	if d.mic && d.speaker {
		d.violation = true
	}
}

func (d *devices) violated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violation
}

type fakeInput struct {
	dev *devices

	mu           sync.Mutex
	handlers     CaptureHandlers
	active       bool
	starts       int
	stops        int
	availableErr error
	startErr     error
}

func (f *fakeInput) Available() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availableErr
}

func (f *fakeInput) Start(h CaptureHandlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.active {
		return ErrCaptureActive
	}
	f.handlers = h
	f.active = true
	f.starts++
	f.dev.setMic(true)
	return nil
}

func (f *fakeInput) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
	f.dev.setMic(false)
}

// The emit helpers deliver through the most recent handlers even after Stop,
// modelling a capture subsystem that leaks late callbacks.
func (f *fakeInput) emitPartial(text string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnPartial(text)
}

func (f *fakeInput) emitFinal(text string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnFinal(text)
}

func (f *fakeInput) emitError(err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnError(err)
}

func (f *fakeInput) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeBrain struct {
	reply   string
	err     error
	gate    chan struct{}
	holdOn  time.Duration
	running atomic.Int32
	maxRun  atomic.Int32

	mu        sync.Mutex
	queries   []string
	cancelled int
}

func (b *fakeBrain) Generate(ctx context.Context, query string) (string, error) {
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		m := b.maxRun.Load()
		if n <= m || b.maxRun.CompareAndSwap(m, n) {
			break
		}
	}

	b.mu.Lock()
	b.queries = append(b.queries, query)
	b.mu.Unlock()

	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			b.mu.Lock()
			b.cancelled++
			b.mu.Unlock()
			if b.holdOn > 0 {
				time.Sleep(b.holdOn)
			}
			return "", ctx.Err()
		}
	}
	if b.err != nil {
		return "", b.err
	}
	if b.reply != "" {
		return b.reply, nil
	}
	return "reply to " + query, nil
}

func (b *fakeBrain) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *fakeBrain) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries...)
}

type fakeOutput struct {
	dev     *devices
	onSpeak func(text string)

	mu      sync.Mutex
	spoken  []string
	current func(PlaybackOutcome)
	stops   int
}

func (f *fakeOutput) Speak(text string, onFinished func(PlaybackOutcome)) {
	f.mu.Lock()
	prev := f.current
	f.current = onFinished
	f.spoken = append(f.spoken, text)
	hook := f.onSpeak
	f.mu.Unlock()
	if prev != nil {
		prev(PlaybackOutcome{Status: PlaybackCancelled})
	}
	f.dev.setSpeaker(true)
	if hook != nil {
		hook(text)
	}
}

func (f *fakeOutput) Stop() {
	f.mu.Lock()
	f.stops++
	cb := f.current
	f.current = nil
	f.mu.Unlock()
	f.dev.setSpeaker(false)
	if cb != nil {
		cb(PlaybackOutcome{Status: PlaybackCancelled})
	}
}

func (f *fakeOutput) finish(o PlaybackOutcome) bool {
	f.mu.Lock()
	cb := f.current
	f.current = nil
	f.mu.Unlock()
	f.dev.setSpeaker(false)
	if cb == nil {
		return false
	}
	cb(o)
	return true
}

func (f *fakeOutput) utterances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func (f *fakeOutput) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type recordingTelemetry struct {
	mu          sync.Mutex
	transitions []string
	rejected    []string
	stages      map[string]int
}

func (r *recordingTelemetry) ObserveTransition(event, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+">"+to)
}

func (r *recordingTelemetry) ObserveRejected(event, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, event+"@"+state)
}

func (r *recordingTelemetry) ObserveStage(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stages == nil {
		r.stages = make(map[string]int)
	}
	r.stages[stage]++
}

type harness struct {
	ctrl   *Controller
	dev    *devices
	input  *fakeInput
	brain  *fakeBrain
	output *fakeOutput
}

func newHarness(t *testing.T, brain *fakeBrain, opts Options) *harness {
	t.Helper()
	dev := &devices{}
	h := &harness{
		dev:    dev,
		input:  &fakeInput{dev: dev},
		brain:  brain,
		output: &fakeOutput{dev: dev},
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	h.ctrl = NewController(h.input, h.brain, h.output, opts)
	t.Cleanup(func() {
		_ = h.ctrl.End()
		if dev.violated() {
			t.Errorf("microphone and speaker were active at the same time")
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, c *Controller, kind StateKind) {
	t.Helper()
	waitFor(t, "state "+string(kind), func() bool { return c.State().Kind == kind })
}

var errMicLost = errors.New("mic lost")
