// Package proto defines the frames that flow over the relay connection.
// Every frame is a single JSON envelope {type, payload}; the payload shape
// is determined by the type. The relay forwards frames without interpreting
// payloads.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType discriminates the envelope payload.
type FrameType string

const (
	// Handshake, exchanged once per connection before anything else.
	FrameAuth    FrameType = "authenticate"
	FrameAuthAck FrameType = "authenticated"

	// Call control.
	FrameOffer     FrameType = "offer"
	FrameAnswer    FrameType = "answer"
	FrameReject    FrameType = "reject"
	FrameEnd       FrameType = "end"
	FrameCandidate FrameType = "candidate"

	// End-user content.
	FrameContent FrameType = "content"

	// Ephemeral presence-layer frames. Never counted as unread.
	FrameTyping   FrameType = "typing"
	FramePresence FrameType = "presence"
)

// Class groups frame types by their downstream consumer.
type Class int

const (
	ClassUnknown Class = iota
	ClassControl       // handshake frames, consumed by the connection itself
	ClassCall          // routed to the call session
	ClassContent       // routed to the inbox
	ClassEphemeral     // typing/presence, fanned out to observers
)

// Classify maps a frame type to its routing class. Unrecognized types map
// to ClassUnknown and are dropped by the router.
func Classify(t FrameType) Class {
	switch t {
	case FrameAuth, FrameAuthAck:
		return ClassControl
	case FrameOffer, FrameAnswer, FrameReject, FrameEnd, FrameCandidate:
		return ClassCall
	case FrameContent:
		return ClassContent
	case FrameTyping, FramePresence:
		return ClassEphemeral
	default:
		return ClassUnknown
	}
}

// Frame is the wire envelope.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a wire envelope. The payload stays raw until the router
// knows which consumer it belongs to.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// Auth is the payload of FrameAuth.
type Auth struct {
	Token string `json:"token"`
}

// CallSignal is the payload of every call-control frame. Fields not used by
// a given type are omitted: offers carry SDP+Video, answers SDP, candidates
// Candidate, ends Reason, rejects nothing beyond the routing fields.
type CallSignal struct {
	CallID    string `json:"call_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Video     bool   `json:"video,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Content is the payload of FrameContent.
type Content struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	SentAt    int64  `json:"sent_at"` // unix millis
}

// Typing is the payload of FrameTyping.
type Typing struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// Presence is the payload of FramePresence.
type Presence struct {
	From   string `json:"from"`
	Status string `json:"status"` // online|offline
}

// NewFrame builds an envelope around any payload.
func NewFrame(t FrameType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: raw}, nil
}

// NewAuth builds the handshake frame carrying the bearer credential.
func NewAuth(token string) (Frame, error) {
	return NewFrame(FrameAuth, Auth{Token: token})
}

// NewContent builds an outbound content frame with a fresh message ID.
func NewContent(from, to, body string) (Frame, error) {
	return NewFrame(FrameContent, Content{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Body:      body,
		SentAt:    time.Now().UnixMilli(),
	})
}

// DecodeCallSignal parses the payload of a call-control frame.
func DecodeCallSignal(f Frame) (CallSignal, error) {
	var s CallSignal
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return CallSignal{}, fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	if s.CallID == "" {
		return CallSignal{}, fmt.Errorf("decode %s payload: missing call_id", f.Type)
	}
	return s, nil
}

// DecodeContent parses the payload of a content frame.
func DecodeContent(f Frame) (Content, error) {
	var c Content
	if err := json.Unmarshal(f.Payload, &c); err != nil {
		return Content{}, fmt.Errorf("decode content payload: %w", err)
	}
	return c, nil
}

// DecodeTyping parses the payload of a typing frame.
func DecodeTyping(f Frame) (Typing, error) {
	var t Typing
	if err := json.Unmarshal(f.Payload, &t); err != nil {
		return Typing{}, fmt.Errorf("decode typing payload: %w", err)
	}
	return t, nil
}

// DecodePresence parses the payload of a presence frame.
func DecodePresence(f Frame) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return Presence{}, fmt.Errorf("decode presence payload: %w", err)
	}
	return p, nil
}

// NewCallID returns a fresh call identifier.
func NewCallID() string { return uuid.NewString() }

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
