package core

import (
	"time"
)

// MessageType tells which payload variant a Message carries.
type MessageType uint8

const (
	// MessageTypeString carries text
	MessageTypeString MessageType = iota

	// MessageTypeBinary carries a byte blob
	MessageTypeBinary

	// MessageTypeObject carries an arbitrary value
	MessageTypeObject

	// MessageTypeFrame carries one application frame
	MessageTypeFrame

	// MessageTypeQueueEvent announces new frames in a delivery queue
	MessageTypeQueueEvent
)

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case MessageTypeString:
		return "string"
	case MessageTypeBinary:
		return "binary"
	case MessageTypeObject:
		return "object"
	case MessageTypeFrame:
		return "frame"
	case MessageTypeQueueEvent:
		return "queue-event"
	default:
		return "unknown"
	}
}

// Frame is an application record with its delivery priority.
type Frame struct {
	Data     []byte
	Priority uint8
}

// QueueEvent tells an owner that Count frames were committed to Queue.
type QueueEvent struct {
	Queue string
	Count int
}

// Message is the unit of cross-actor communication. It is immutable once
// built and consumed exactly once by the receiving actor.
type Message struct {
	// Name is the routing tag, e.g. "Device.Connected"
	Name string

	// Type selects the payload variant
	Type MessageType

	// Source is the ID of the posting Actor
	Source ActorID

	// Timestamp when the message was created
	Timestamp time.Time

	payload any
}

func newMessage(source ActorID, name string, typ MessageType, payload any) *Message {
	return &Message{
		Name:      name,
		Type:      typ,
		Source:    source,
		Timestamp: time.Now(),
		payload:   payload,
	}
}

// NewStringMessage builds a text message.
func NewStringMessage(source ActorID, name, text string) *Message {
	return newMessage(source, name, MessageTypeString, text)
}

// NewBinaryMessage builds a binary message. data is copied.
func NewBinaryMessage(source ActorID, name string, data []byte) *Message {
	return newMessage(source, name, MessageTypeBinary, append([]byte(nil), data...))
}

// NewObjectMessage builds a message carrying obj. The receiver must treat
// obj as read-only unless ownership is handed over by convention.
func NewObjectMessage(source ActorID, name string, obj any) *Message {
	return newMessage(source, name, MessageTypeObject, obj)
}

// NewFrameMessage builds a frame message. data is copied.
func NewFrameMessage(source ActorID, name string, data []byte, priority uint8) *Message {
	return newMessage(source, name, MessageTypeFrame, Frame{
		Data:     append([]byte(nil), data...),
		Priority: priority,
	})
}

// NewQueueEventMessage builds a queue notification.
func NewQueueEventMessage(source ActorID, name string, ev QueueEvent) *Message {
	return newMessage(source, name, MessageTypeQueueEvent, ev)
}

// Text returns the string payload.
func (m *Message) Text() (string, bool) {
	s, ok := m.payload.(string)
	return s, ok
}

// Bytes returns the binary payload. The slice must not be modified.
func (m *Message) Bytes() ([]byte, bool) {
	b, ok := m.payload.([]byte)
	return b, ok
}

// Object returns the object payload.
func (m *Message) Object() (any, bool) {
	if m.Type != MessageTypeObject {
		return nil, false
	}
	return m.payload, true
}

// Frame returns the frame payload.
func (m *Message) Frame() (Frame, bool) {
	f, ok := m.payload.(Frame)
	return f, ok
}

// QueueEvent returns the queue notification payload.
func (m *Message) QueueEvent() (QueueEvent, bool) {
	ev, ok := m.payload.(QueueEvent)
	return ev, ok
}
