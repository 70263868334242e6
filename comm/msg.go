// Package comm defines the messages that move between cores and the bounded
// queues that carry them.
package comm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/telerouter/idgen"
)

// ProcessorID identifies a core. Negative values are reserved sentinels.
type ProcessorID int32

const (
	// Host addresses the external host behind the master's transport.
	Host ProcessorID = -1

	// Broadcast addresses every registered processor.
	Broadcast ProcessorID = -2
)

func (p ProcessorID) String() string {
	switch p {
	case Host:
		return "host"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("core%d", int32(p))
	}
}

// Kind is the traffic class of a message.
type Kind uint8

// Traffic classes.
const (
	KindEvent Kind = iota
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Action is the routing intent of a message.
type Action uint8

// Routing intents.
const (
	ActionNone Action = iota
	ActionToHost
	ActionFromHost
	ActionRegister
	ActionStop
	ActionStopAck
)

var actionNames = [...]string{
	ActionNone:     "none",
	ActionToHost:   "to_host",
	ActionFromHost: "from_host",
	ActionRegister: "register",
	ActionStop:     "stop",
	ActionStopAck:  "stop_ack",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}

	return fmt.Sprintf("action(%d)", uint8(a))
}

// ServiceID names a service hosted on a core.
type ServiceID uint16

// ErrorCode is carried by NACK packets.
type ErrorCode uint8

// NACK error codes.
const (
	CodeNone ErrorCode = iota
	CodeBadEndpointAddress
	CodeUnknownService
	CodeBufferExhausted
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeBadEndpointAddress:
		return "bad_endpoint_address"
	case CodeUnknownService:
		return "unknown_service"
	case CodeBufferExhausted:
		return "buffer_exhausted"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// ErrPayloadTooLarge is returned when a payload does not fit the buffer.
var ErrPayloadTooLarge = errors.New("comm: payload exceeds buffer capacity")

// Header is the logical routing header of a message. Byte-exact framing is
// owned by the transport.
type Header struct {
	Kind    Kind
	Length  int
	Dst     ProcessorID
	Src     ProcessorID
	Action  Action
	Service ServiceID
	Code    ErrorCode
}

// Message is a fixed-capacity buffer plus its routing header. Messages are
// created once when a pool is primed and recycled through ReplyTarget; they
// are never allocated on the routing path.
type Message struct {
	ID      idgen.ID
	Kind    Kind
	Action  Action
	Src     ProcessorID
	Dst     ProcessorID
	Service ServiceID
	Code    ErrorCode

	// ReplyTarget is the queue the buffer goes back to once consumed.
	ReplyTarget *Queue

	buf    []byte
	length int
	holder atomic.Pointer[Queue]
}

// NewMessage allocates a buffer with the given payload capacity. Only pool
// priming should call it.
func NewMessage(capacity int) *Message {
	return &Message{buf: make([]byte, capacity)}
}

// Capacity returns the fixed payload capacity.
func (m *Message) Capacity() int {
	return len(m.buf)
}

// Len returns the payload length.
func (m *Message) Len() int {
	return m.length
}

// Payload returns the valid payload bytes. The slice aliases the buffer and
// must not be retained after the message is released.
func (m *Message) Payload() []byte {
	return m.buf[:m.length]
}

// Buffer returns the whole backing buffer, for transports that receive
// directly into it. Call SetLength afterwards.
func (m *Message) Buffer() []byte {
	return m.buf
}

// SetPayload copies p into the buffer.
func (m *Message) SetPayload(p []byte) error {
	if len(p) > len(m.buf) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p), len(m.buf))
	}

	m.length = copy(m.buf, p)

	return nil
}

// SetLength marks the first n bytes of the buffer as payload.
func (m *Message) SetLength(n int) error {
	if n < 0 || n > len(m.buf) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, len(m.buf))
	}

	m.length = n

	return nil
}

// Header returns the routing header.
func (m *Message) Header() Header {
	return Header{
		Kind:    m.Kind,
		Length:  m.length,
		Dst:     m.Dst,
		Src:     m.Src,
		Action:  m.Action,
		Service: m.Service,
		Code:    m.Code,
	}
}

// Trace is a copy of a message's identity and header. Hooks that fire after
// a message has changed hands receive a Trace instead of the message.
type Trace struct {
	ID idgen.ID
	Header
}

// Trace snapshots the message.
func (m *Message) Trace() Trace {
	return Trace{ID: m.ID, Header: m.Header()}
}

// ApplyHeader copies the routing fields of h. Length is ignored; the payload
// determines it.
func (m *Message) ApplyHeader(h Header) {
	m.Kind = h.Kind
	m.Dst = h.Dst
	m.Src = h.Src
	m.Action = h.Action
	m.Service = h.Service
	m.Code = h.Code
}

// Reset clears the header and payload and assigns a fresh ID. The reply
// target is kept.
func (m *Message) Reset() {
	m.ID = idgen.Generate()
	m.Kind = KindEvent
	m.Action = ActionNone
	m.Src = 0
	m.Dst = 0
	m.Service = 0
	m.Code = CodeNone
	m.length = 0
}

// CopyFrom duplicates the header and payload of src into m. The reply target
// of m is untouched, so the copy still returns to its own pool.
func (m *Message) CopyFrom(src *Message) error {
	if err := m.SetPayload(src.Payload()); err != nil {
		return err
	}

	m.ApplyHeader(src.Header())

	return nil
}

// HeldBy returns the name of the queue currently holding the message, or an
// empty string while a task owns it.
func (m *Message) HeldBy() string {
	q := m.holder.Load()
	if q == nil {
		return ""
	}

	return q.Name()
}

func (m *Message) String() string {
	return fmt.Sprintf("msg#%d{%s %s %s->%s svc=%d len=%d}",
		m.ID, m.Kind, m.Action, m.Src, m.Dst, m.Service, m.length)
}
