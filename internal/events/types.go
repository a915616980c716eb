// Package events provides an asynchronous message bus that carries element
// messages (errors, warnings, state changes, end-of-stream) to the host
// without ever blocking the streaming threads that post them.
package events

import (
	"fmt"
	"time"
)

// MessageType classifies a bus message.
type MessageType int

const (
	MessageError MessageType = iota
	MessageWarning
	MessageInfo
	MessageEOS
	MessageStateChanged
)

func (t MessageType) String() string {
	switch t {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageInfo:
		return "info"
	case MessageEOS:
		return "eos"
	case MessageStateChanged:
		return "state-changed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Message is a single notification posted by an element.
type Message struct {
	Type      MessageType
	Source    string // name of the posting element
	Timestamp time.Time
	Err       error  // set for error and warning messages
	Text      string // short machine-friendly description, e.g. "branch-added"

	OldState string
	NewState string

	Fields map[string]any
}

// NewMessage stamps a message with the current time.
func NewMessage(t MessageType, source, text string) Message {
	return Message{Type: t, Source: source, Text: text, Timestamp: time.Now()}
}

// With returns a copy of the message carrying an extra field.
func (m Message) With(key string, value any) Message {
	fields := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		fields[k] = v
	}
	fields[key] = value
	m.Fields = fields
	return m
}

// Consumer processes messages delivered by the bus.
type Consumer interface {
	// Name returns the consumer name for identification
	Name() string

	// ProcessMessage handles a single message
	ProcessMessage(msg Message) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc struct {
	ID string
	Fn func(Message) error
}

func (c ConsumerFunc) Name() string                     { return c.ID }
func (c ConsumerFunc) ProcessMessage(msg Message) error { return c.Fn(msg) }

// BusStats contains runtime statistics for monitoring
type BusStats struct {
	MessagesReceived  uint64
	MessagesProcessed uint64
	MessagesDropped   uint64
	ConsumerErrors    uint64
	FastPathHits      uint64 // published with no consumer registered
}
