// Package signaling provides the typed envelope protocol and the
// reconnecting websocket channel to the HomeSwift rendezvous server.
// It carries presence, typing, chat pushes and call signaling; nothing
// flowing through it is persisted here.
package signaling

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EnvelopeType identifies one of the signaling message variants.
type EnvelopeType string

const (
	TypePresenceOnline  EnvelopeType = "presence-online"
	TypePresenceOffline EnvelopeType = "presence-offline"
	TypeTypingStart     EnvelopeType = "typing-start"
	TypeTypingStop      EnvelopeType = "typing-stop"
	TypeMessagePush     EnvelopeType = "message-push"
	TypeCallOffer       EnvelopeType = "call-offer"
	TypeCallAnswer      EnvelopeType = "call-answer"
	TypeCallCandidate   EnvelopeType = "call-ice-candidate"
	TypeCallReject      EnvelopeType = "call-reject"
	TypeCallCancel      EnvelopeType = "call-cancel"
)

// knownTypes gates inbound dispatch — unknown variants are logged and dropped.
var knownTypes = map[EnvelopeType]bool{
	TypePresenceOnline:  true,
	TypePresenceOffline: true,
	TypeTypingStart:     true,
	TypeTypingStop:      true,
	TypeMessagePush:     true,
	TypeCallOffer:       true,
	TypeCallAnswer:      true,
	TypeCallCandidate:   true,
	TypeCallReject:      true,
	TypeCallCancel:      true,
}

// Envelope is one signaling message. CallID correlates the
// offer/answer/candidate/reject/cancel exchange of a single call attempt.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceInfo is the payload of presence-online envelopes.
type PresenceInfo struct {
	UserID    string `json:"userId"`
	FullName  string `json:"fullName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// TypingInfo is the payload of typing-start / typing-stop envelopes.
type TypingInfo struct {
	ConversationID string `json:"conversationId"`
}

// MessageInfo is the payload of message-push envelopes. It mirrors the
// persisted message shape so the recipient can insert it without a refetch.
type MessageInfo struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"` // unix millis
}

// OfferInfo carries an SDP offer or answer plus the requested call kind.
type OfferInfo struct {
	SDP  string `json:"sdp"`
	Kind string `json:"kind,omitempty"` // "video" or "voice", offers only
}

// CandidateInfo carries one serialized ICE candidate.
type CandidateInfo struct {
	Candidate string `json:"candidate"`
}

// NewEnvelope builds an envelope with a JSON-encoded payload.
func NewEnvelope(t EnvelopeType, from, to, callID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, From: from, To: to, CallID: callID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire frame into an envelope. Envelopes with an
// unknown type are rejected so a malformed frame never reaches dispatch.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if !knownTypes[env.Type] {
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return &env, nil
}
