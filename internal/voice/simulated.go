package voice

import (
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/geminilive/internal/live"
)

const (
	DefaultWordsPerMinute = 180
	DefaultWordDelay      = 150 * time.Millisecond
)

// SimulatedCapture stands in for a microphone and recognizer. Each capture
// reveals the configured utterance word by word as partial results and then
// delivers it as the final result.
type SimulatedCapture struct {
	utterance string
	wordDelay time.Duration

	mu           sync.Mutex
	availableErr error
	stop         chan struct{}
	done         chan struct{}
}

func NewSimulatedCapture(utterance string, wordDelay time.Duration) *SimulatedCapture {
	if wordDelay <= 0 {
		wordDelay = DefaultWordDelay
	}
	return &SimulatedCapture{utterance: strings.TrimSpace(utterance), wordDelay: wordDelay}
}

// SetAvailableErr makes Available report err, modelling a denied permission.
func (c *SimulatedCapture) SetAvailableErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.availableErr = err
}

func (c *SimulatedCapture) Available() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableErr
}

func (c *SimulatedCapture) Start(h live.CaptureHandlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return live.ErrCaptureActive
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done = stop, done
	go c.deliver(h, stop, done)
	return nil
}

func (c *SimulatedCapture) deliver(h live.CaptureHandlers, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	words := strings.Fields(c.utterance)
	for i := range words {
		if !sleepOrStop(c.wordDelay, stop) {
			return
		}
		if h.OnPartial != nil {
			h.OnPartial(strings.Join(words[:i+1], " "))
		}
	}
	if !sleepOrStop(c.wordDelay, stop) {
		return
	}
	if h.OnFinal != nil {
		h.OnFinal(c.utterance)
	}
}

// Stop ends the capture. No handler runs once Stop has returned.
func (c *SimulatedCapture) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// SimulatedSpeaker pretends to play an utterance for as long as it would take
// to say it at the configured speaking rate.
type SimulatedSpeaker struct {
	wordsPerMinute int

	mu      sync.Mutex
	current *simulatedPlayback
}

type simulatedPlayback struct {
	timer      *time.Timer
	once       sync.Once
	onFinished func(live.PlaybackOutcome)
}

func (p *simulatedPlayback) finish(o live.PlaybackOutcome) {
	p.once.Do(func() {
		if p.onFinished != nil {
			p.onFinished(o)
		}
	})
}

func NewSimulatedSpeaker(wordsPerMinute int) *SimulatedSpeaker {
	if wordsPerMinute <= 0 {
		wordsPerMinute = DefaultWordsPerMinute
	}
	return &SimulatedSpeaker{wordsPerMinute: wordsPerMinute}
}

func (s *SimulatedSpeaker) Speak(text string, onFinished func(live.PlaybackOutcome)) {
	p := &simulatedPlayback{onFinished: onFinished}

	s.mu.Lock()
	prev := s.current
	s.current = p
	p.timer = time.AfterFunc(speechDuration(Speakable(text), s.wordsPerMinute), func() {
		s.mu.Lock()
		if s.current == p {
			s.current = nil
		}
		s.mu.Unlock()
		p.finish(live.PlaybackOutcome{Status: live.PlaybackCompleted})
	})
	s.mu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		prev.finish(live.PlaybackOutcome{Status: live.PlaybackCancelled})
	}
}

// Stop cancels the current utterance. Its completion callback reports
// cancelled exactly once.
func (s *SimulatedSpeaker) Stop() {
	s.mu.Lock()
	p := s.current
	s.current = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.timer.Stop()
	p.finish(live.PlaybackOutcome{Status: live.PlaybackCancelled})
}
