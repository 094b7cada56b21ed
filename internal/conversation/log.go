package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// DefaultMaxMessages bounds the log when no explicit limit is configured.
const DefaultMaxMessages = 100

// Message is a single immutable entry of the conversation.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only, ordered record of exchanged messages. Once the log
// holds more than its maximum, the oldest entries are evicted first.
type Log struct {
	mu          sync.RWMutex
	messages    []Message
	maxMessages int
	evicted     int
	now         func() time.Time
}

func NewLog(maxMessages int) *Log {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Log{
		maxMessages: maxMessages,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Append stores a new message and returns it. Whitespace-only content is
// ignored and reported with ok=false.
func (l *Log) Append(sender Sender, content string) (Message, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Timestamp: l.now(),
	}
	l.messages = append(l.messages, msg)
	if over := len(l.messages) - l.maxMessages; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(l.messages, l.messages[over:])
		clear(l.messages[n:])
		l.messages = l.messages[:n]
		l.evicted += over
	}
	return msg, true
}

// Snapshot returns a copy of the current messages, oldest first.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Evicted reports how many messages were trimmed from the head so far.
func (l *Log) Evicted() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}

func (l *Log) MaxMessages() int { return l.maxMessages }
