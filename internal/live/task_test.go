package live

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskSlotRejectsSecondStart(t *testing.T) {
	var s taskSlot
	first, err := s.start(context.Background(), "one")
	if err != nil {
		t.Fatalf("start() error = %v", err)
	}
	if _, err := s.start(context.Background(), "two"); !errors.Is(err, ErrTaskPending) {
		t.Fatalf("second start error = %v, want ErrTaskPending", err)
	}
	if s.current() != first {
		t.Fatalf("current task replaced")
	}
}

func TestTaskSlotCancelDrainsUntilGenerated(t *testing.T) {
	var s taskSlot
	task, _ := s.start(context.Background(), "one")

	if !s.cancel() {
		t.Fatalf("cancel() = false, want true")
	}
	if task.ctx.Err() == nil {
		t.Fatalf("task context should be cancelled")
	}
	if s.cancel() {
		t.Fatalf("second cancel() = true, want false")
	}
	if _, err := s.start(context.Background(), "two"); !errors.Is(err, errTaskDraining) {
		t.Fatalf("start while draining error = %v, want errTaskDraining", err)
	}

	live, drained := s.generated(task.id)
	if live || !drained {
		t.Fatalf("generated() = (%v, %v), want (false, true)", live, drained)
	}
	if _, err := s.start(context.Background(), "two"); err != nil {
		t.Fatalf("start after drain error = %v", err)
	}
}

func TestTaskSlotCancelAfterGenerationIsImmediate(t *testing.T) {
	var s taskSlot
	task, _ := s.start(context.Background(), "one")
	if live, _ := s.generated(task.id); !live {
		t.Fatalf("generated() live = false")
	}
	s.cancel()
	if s.draining != nil {
		t.Fatalf("finished task should not drain")
	}
	if _, err := s.start(context.Background(), "two"); err != nil {
		t.Fatalf("start() error = %v", err)
	}
}

func TestTaskSlotCompleteIgnoresStaleID(t *testing.T) {
	var s taskSlot
	task, _ := s.start(context.Background(), "one")
	s.complete(task.id + 7)
	if s.current() == nil {
		t.Fatalf("stale complete released live task")
	}
	s.complete(task.id)
	if s.current() != nil {
		t.Fatalf("complete did not release task")
	}
}

func TestTaskSlotPendingWaitTimesOut(t *testing.T) {
	var s taskSlot
	task, _ := s.start(context.Background(), "one")
	s.cancel()
	if _, err := s.start(context.Background(), "two"); !errors.Is(err, errTaskDraining) {
		t.Fatalf("start while draining error = %v", err)
	}
	done := s.pending()
	if len(done) != 1 {
		t.Fatalf("pending() = %d channels, want 1", len(done))
	}
	if waitDone(done, 10*time.Millisecond) {
		t.Fatalf("waitDone() = true for running task")
	}
	close(task.done)
	if !waitDone(done, 10*time.Millisecond) {
		t.Fatalf("waitDone() = false after done")
	}
}
