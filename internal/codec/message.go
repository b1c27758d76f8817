// Package codec implements the Message Codec (spec.md §4.1): the single
// schema-defined record type exchanged with a worker subprocess, and its
// length-prefixed framing.
//
// The wire format is a small binary TLV (tag + length-prefixed bytes)
// encoded with encoding/binary, not encoding/json: spec.md §9 ("JSON-over-
// schema duality") is explicit that the worker codec and the peer-facing
// JSON codec must stay separate types, and the teacher's own low-level
// byte handling (webrtc/sfu.go's binary.BigEndian NAL-unit parsing) is the
// grounding for reaching for encoding/binary here rather than a generic
// serialization library — see DESIGN.md for why no third-party schema
// codec (e.g. flatbuffers) was used instead.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxMessageSize is the maximum whole-message length per spec.md §4.1:
// 4 MiB payload plus 4 bytes of framing overhead.
const MaxMessageSize = 4*1024*1024 + 4

// MessageKind discriminates the body of a Message.
type MessageKind uint8

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindNotification
	KindLog
)

// Request is a control-plane → worker call (spec.md §4.1).
type Request struct {
	ID        uint32
	Method    string
	HandlerID string
	Body      []byte // method-specific, opaque to the codec
}

// Response answers a Request by id.
type Response struct {
	ID       uint32
	Accepted bool
	ErrorKind string // only set when !Accepted, e.g. "TypeError"
	Reason    string // only set when !Accepted
	Body      []byte
}

// Notification is a worker → control-plane async event.
type Notification struct {
	HandlerID string
	Event     string
	Body      []byte
}

// LogPrefix is the first byte of a Log record: 'D','W','E','X'.
type LogPrefix byte

const (
	LogDebug LogPrefix = 'D'
	LogWarn  LogPrefix = 'W'
	LogError LogPrefix = 'E'
	LogDump  LogPrefix = 'X'
)

// Log carries one worker stderr/stdout line tagged with a severity.
type Log struct {
	Prefix LogPrefix
	Text   string
}

// Message is the discriminated union the channel reads and writes.
// Exactly one of the typed fields is non-nil, selected by Kind.
type Message struct {
	Kind         MessageKind
	Request      *Request
	Response     *Response
	Notification *Notification
	Log          *Log
}

var (
	ErrTooLarge   = errors.New("codec: message exceeds maximum size")
	ErrTruncated  = errors.New("codec: truncated frame")
	ErrMalformed  = errors.New("codec: malformed record")
)

// Encode serializes msg into its binary record form (without the 4-byte
// length prefix — that is added by WriteFrame on the channel's write path).
func Encode(msg *Message) ([]byte, error) {
	buf := newWriter()
	buf.u8(uint8(msg.Kind))

	switch msg.Kind {
	case KindRequest:
		r := msg.Request
		if r == nil {
			return nil, fmt.Errorf("%w: nil request", ErrMalformed)
		}
		buf.u32(r.ID)
		buf.str(r.Method)
		buf.str(r.HandlerID)
		buf.bytes(r.Body)

	case KindResponse:
		r := msg.Response
		if r == nil {
			return nil, fmt.Errorf("%w: nil response", ErrMalformed)
		}
		buf.u32(r.ID)
		buf.boolean(r.Accepted)
		buf.str(r.ErrorKind)
		buf.str(r.Reason)
		buf.bytes(r.Body)

	case KindNotification:
		n := msg.Notification
		if n == nil {
			return nil, fmt.Errorf("%w: nil notification", ErrMalformed)
		}
		buf.str(n.HandlerID)
		buf.str(n.Event)
		buf.bytes(n.Body)

	case KindLog:
		l := msg.Log
		if l == nil {
			return nil, fmt.Errorf("%w: nil log", ErrMalformed)
		}
		buf.u8(uint8(l.Prefix))
		buf.str(l.Text)

	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, msg.Kind)
	}

	out := buf.bytesOut()
	if len(out)+4 > MaxMessageSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Decode parses a single unframed record (the bytes after the 4-byte
// length prefix has already been stripped and read).
func Decode(raw []byte) (*Message, error) {
	r := newReader(raw)
	kind := MessageKind(r.u8())
	msg := &Message{Kind: kind}

	switch kind {
	case KindRequest:
		msg.Request = &Request{
			ID:        r.u32(),
			Method:    r.str(),
			HandlerID: r.str(),
			Body:      r.bytes(),
		}
	case KindResponse:
		msg.Response = &Response{
			ID:        r.u32(),
			Accepted:  r.boolean(),
			ErrorKind: r.str(),
			Reason:    r.str(),
			Body:      r.bytes(),
		}
	case KindNotification:
		msg.Notification = &Notification{
			HandlerID: r.str(),
			Event:     r.str(),
			Body:      r.bytes(),
		}
	case KindLog:
		msg.Log = &Log{
			Prefix: LogPrefix(r.u8()),
			Text:   r.str(),
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// FrameLen returns the 4-byte little-endian length prefix for a record of
// the given body size, per spec.md §4.1.
func FrameLen(bodyLen int) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(bodyLen))
	return b
}

// --- tiny TLV writer/reader -------------------------------------------------

type writer struct{ b []byte }

func newWriter() *writer { return &writer{b: make([]byte, 0, 256)} }

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.b = append(w.b, b[:]...)
}
func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.b = append(w.b, v...)
}
func (w *writer) str(s string) { w.bytes([]byte(s)) }
func (w *writer) bytesOut() []byte { return w.b }

type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if !r.need(int(n)) {
		return nil
	}
	v := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return v
}

func (r *reader) str() string { return string(r.bytes()) }
