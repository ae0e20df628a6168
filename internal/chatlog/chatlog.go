// Package chatlog keeps the bounded, time-ordered transcript of the
// conversation.
package chatlog

import (
	"slices"
	"sync"
	"time"
)

// DefaultMaxLength is the number of messages retained by default.
const DefaultMaxLength = 200

// Role identifies the author of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat entry. Timestamps are encoded as RFC 3339 in JSON.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message, stamping it with the current time when ts is
// zero.
func NewMessage(role Role, content string, ts time.Time) Message {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Message{Role: role, Content: content, Timestamp: ts}
}

// FormatTime renders ts as a 12-hour clock time with seconds, e.g. "03:04:05 PM".
func FormatTime(ts time.Time) string {
	return ts.Local().Format("03:04:05 PM")
}

// Log is a bounded chat history sorted by timestamp. The newest maxLength
// messages are kept. It is safe for concurrent use.
type Log struct {
	maxLength int
	onUpdate  func([]Message)

	// notifyMu keeps update callbacks in mutation order.
	notifyMu sync.Mutex

	mu       sync.Mutex
	messages []Message
}

// New returns an empty log. A non-positive maxLength selects
// [DefaultMaxLength]. onUpdate may be nil; otherwise it is called
// synchronously with a copy of the messages after every Add and Clear.
func New(maxLength int, onUpdate func([]Message)) *Log {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Log{maxLength: maxLength, onUpdate: onUpdate}
}

// Add inserts msg, re-sorts by timestamp (stable, so equal timestamps keep
// insertion order) and drops the oldest entries beyond the limit.
func (l *Log) Add(msg Message) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	l.messages = append(l.messages, msg)
	slices.SortStableFunc(l.messages, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if over := len(l.messages) - l.maxLength; over > 0 {
		l.messages = slices.Clone(l.messages[over:])
	}
	snapshot := slices.Clone(l.messages)
	l.mu.Unlock()

	l.notify(snapshot)
}

// AddAll adds each message in turn. The update callback fires once per
// message.
func (l *Log) AddAll(msgs []Message) {
	for _, m := range msgs {
		l.Add(m)
	}
}

// Messages returns a copy of the current history, oldest first.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.messages)
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Clear empties the history. The update callback still fires.
func (l *Log) Clear() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()

	l.notify([]Message{})
}

func (l *Log) notify(msgs []Message) {
	if l.onUpdate != nil {
		l.onUpdate(msgs)
	}
}
