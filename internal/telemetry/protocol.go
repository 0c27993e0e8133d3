// Package telemetry owns the lifecycle of the isolated telemetry worker
// process and the line-oriented message protocol it speaks.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates the telemetry envelope.
type MessageType string

const (
	MessageHeartbeat MessageType = "heartbeat"
	MessageMetrics   MessageType = "metrics"
	MessageError     MessageType = "error"
)

// ErrMalformedMessage marks a line that does not parse as one of the three
// protocol shapes. It is logged and skipped, never fatal to the bridge.
var ErrMalformedMessage = errors.New("malformed telemetry message")

// Message is the wire envelope. One UTF-8 JSON object per line on the
// worker's stdout, newline-terminated:
//
//	{"type":"heartbeat","ts":<unix-seconds-float>}
//	{"type":"metrics","payload":[...],"count":<int>,"ts":<unix-seconds-float>}
//	{"type":"error","msg":"<string>","ts":<unix-seconds-float>}
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Count   int             `json:"count,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	TS      float64         `json:"ts"`
}

// Time converts the unix-seconds timestamp to a time.Time.
func (m *Message) Time() time.Time {
	sec := int64(m.TS)
	nsec := int64((m.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// ParseMessage parses one protocol line. Any line that is not valid JSON,
// or whose type is not one of the three known kinds, returns
// ErrMalformedMessage.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case MessageHeartbeat, MessageMetrics, MessageError:
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
}

// NewHeartbeat builds a heartbeat envelope stamped with the current time.
func NewHeartbeat(now time.Time) *Message {
	return &Message{Type: MessageHeartbeat, TS: unixSeconds(now)}
}

// NewMetrics builds a metrics envelope.
func NewMetrics(payload json.RawMessage, count int, now time.Time) *Message {
	return &Message{Type: MessageMetrics, Payload: payload, Count: count, TS: unixSeconds(now)}
}

// NewError builds an error envelope.
func NewError(msg string, now time.Time) *Message {
	return &Message{Type: MessageError, Msg: msg, TS: unixSeconds(now)}
}

// Encode renders the envelope as a single protocol line without the
// trailing newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
