package live

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskPending is returned when a pipeline is started while another
	// one is still live.
	ErrTaskPending = errors.New("pending task already exists")

	errTaskDraining = errors.New("previous task still draining")
)

// pendingTask is the single in-flight generate then speak pipeline.
type pendingTask struct {
	id     uint64
	query  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// generated is set once the pipeline goroutine has reported its result
	// and returned.
	generated bool
}

// taskSlot holds at most one live task plus, after a cancel, the task whose
// goroutine has not yet returned. Only the controller goroutine touches it.
type taskSlot struct {
	nextID   uint64
	active   *pendingTask
	draining *pendingTask
}

func (s *taskSlot) start(parent context.Context, query string) (*pendingTask, error) {
	if s.active != nil {
		return nil, ErrTaskPending
	}
	if s.draining != nil {
		return nil, errTaskDraining
	}
	s.nextID++
	ctx, cancel := context.WithCancel(parent)
	t := &pendingTask{
		id:     s.nextID,
		query:  query,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = t
	return t, nil
}

// cancel cancels the live task, if any. Cancelling a task that already
// finished is a no-op.
func (s *taskSlot) cancel() bool {
	t := s.active
	if t == nil {
		return false
	}
	s.active = nil
	t.cancel()
	if !t.generated {
		s.draining = t
	}
	return true
}

// generated records that the goroutine of task id has returned. It reports
// whether id is the live task and whether a drain just completed.
func (s *taskSlot) generated(id uint64) (live bool, drained bool) {
	if s.active != nil && s.active.id == id {
		s.active.generated = true
		return true, false
	}
	if s.draining != nil && s.draining.id == id {
		s.draining = nil
		return false, true
	}
	return false, false
}

// complete releases the live task after its utterance ended.
func (s *taskSlot) complete(id uint64) {
	if s.active != nil && s.active.id == id {
		s.active.cancel()
		s.active = nil
	}
}

func (s *taskSlot) current() *pendingTask { return s.active }

// pending returns the done channels of task goroutines that may still run.
func (s *taskSlot) pending() []<-chan struct{} {
	var out []<-chan struct{}
	for _, t := range []*pendingTask{s.active, s.draining} {
		if t != nil {
			out = append(out, t.done)
		}
	}
	return out
}

// waitDone blocks until every channel in done is closed or timeout elapses.
func waitDone(done []<-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, ch := range done {
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
	return true
}
