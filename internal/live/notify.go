package live

import (
	"maps"
	"slices"
	"sync"

	"github.com/ent0n29/geminilive/internal/conversation"
)

type NotificationKind string

const (
	NotifyState   NotificationKind = "state_changed"
	NotifyMessage NotificationKind = "message_appended"
	NotifyPartial NotificationKind = "partial_transcript"
)

// Notification is delivered to subscribers in the order the controller
// produced it. Subscribers are called in subscription order.
type Notification struct {
	Kind    NotificationKind
	State   State
	Message conversation.Message
	Text    string
}

// notifier fans notifications out to subscribers from its own goroutine, so
// a subscriber may issue controller commands without deadlocking.
type notifier struct {
	mu     sync.Mutex
	subs   map[uint64]func(Notification)
	nextID uint64
	queue  *mailbox[Notification]
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		subs:  make(map[uint64]func(Notification)),
		queue: newMailbox[Notification](),
		done:  make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(fn func(Notification)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) post(v Notification) { n.queue.put(v) }

func (n *notifier) close() { n.queue.close() }

func (n *notifier) run() {
	defer close(n.done)
	for {
		v, ok := n.queue.take()
		if !ok {
			return
		}
		n.mu.Lock()
		ids := slices.Sorted(maps.Keys(n.subs))
		fns := make([]func(Notification), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, n.subs[id])
		}
		n.mu.Unlock()
		for _, fn := range fns {
			fn(v)
		}
	}
}
