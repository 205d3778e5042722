package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageKind is the discriminator of a SignalingMessage.
type MessageKind string

const (
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindIceCandidate MessageKind = "ice_candidate"
	KindCallEnded    MessageKind = "call_ended"
	KindCallRejected MessageKind = "call_rejected"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindIceCandidate, KindCallEnded, KindCallRejected:
		return true
	}
	return false
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// IceCandidate mirrors the browser RTCIceCandidateInit shape.
type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallMetadata carries display hints; it never affects negotiation.
type CallMetadata struct {
	CallerName   string `json:"caller_name,omitempty"`
	CallerAvatar string `json:"caller_avatar,omitempty"`
}

// Payload is implemented only by the five payload types of this package.
type Payload interface {
	Kind() MessageKind
	validate() error
}

type OfferPayload struct {
	Description SessionDescription
	Metadata    CallMetadata
}

type AnswerPayload struct {
	Description SessionDescription
}

type IceCandidatePayload struct {
	Candidate IceCandidate
}

type CallEndedPayload struct{}

type CallRejectedPayload struct{}

func (OfferPayload) Kind() MessageKind        { return KindOffer }
func (AnswerPayload) Kind() MessageKind       { return KindAnswer }
func (IceCandidatePayload) Kind() MessageKind { return KindIceCandidate }
func (CallEndedPayload) Kind() MessageKind    { return KindCallEnded }
func (CallRejectedPayload) Kind() MessageKind { return KindCallRejected }

func (p OfferPayload) validate() error {
	return validateDescription(p.Description, SDPTypeOffer)
}

func (p AnswerPayload) validate() error {
	return validateDescription(p.Description, SDPTypeAnswer)
}

func (p IceCandidatePayload) validate() error {
	if p.Candidate.Candidate == "" {
		return fmt.Errorf("%w: empty ice candidate", ErrInvalidMessage)
	}
	return nil
}

func (CallEndedPayload) validate() error    { return nil }
func (CallRejectedPayload) validate() error { return nil }

func validateDescription(d SessionDescription, want SDPType) error {
	if d.Type != want {
		return fmt.Errorf("%w: description type %q in %s message", ErrInvalidMessage, d.Type, want)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidMessage)
	}
	return nil
}

// SignalingMessage is the only artifact exchanged between two participants.
type SignalingMessage struct {
	Kind    MessageKind
	CallID  CallID
	From    ParticipantID
	To      ParticipantID
	Payload Payload
}

func NewOffer(callID CallID, from, to ParticipantID, sdp string, meta CallMetadata) *SignalingMessage {
	return &SignalingMessage{
		Kind: KindOffer, CallID: callID, From: from, To: to,
		Payload: OfferPayload{Description: SessionDescription{Type: SDPTypeOffer, SDP: sdp}, Metadata: meta},
	}
}

func NewAnswer(callID CallID, from, to ParticipantID, sdp string) *SignalingMessage {
	return &SignalingMessage{
		Kind: KindAnswer, CallID: callID, From: from, To: to,
		Payload: AnswerPayload{Description: SessionDescription{Type: SDPTypeAnswer, SDP: sdp}},
	}
}

func NewIceCandidate(callID CallID, from, to ParticipantID, c IceCandidate) *SignalingMessage {
	return &SignalingMessage{
		Kind: KindIceCandidate, CallID: callID, From: from, To: to,
		Payload: IceCandidatePayload{Candidate: c},
	}
}

func NewCallEnded(callID CallID, from, to ParticipantID) *SignalingMessage {
	return &SignalingMessage{Kind: KindCallEnded, CallID: callID, From: from, To: to, Payload: CallEndedPayload{}}
}

func NewCallRejected(callID CallID, from, to ParticipantID) *SignalingMessage {
	return &SignalingMessage{Kind: KindCallRejected, CallID: callID, From: from, To: to, Payload: CallRejectedPayload{}}
}

// Validate checks the envelope and that the payload variant matches Kind.
func (m *SignalingMessage) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.CallID == "" {
		return fmt.Errorf("%w: call_id is required", ErrInvalidMessage)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidMessage)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: from and to are the same participant", ErrInvalidMessage)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload for %s", ErrInvalidMessage, m.Kind)
	}
	if m.Payload.Kind() != m.Kind {
		return fmt.Errorf("%w: %s payload in %s message", ErrInvalidMessage, m.Payload.Kind(), m.Kind)
	}
	return m.Payload.validate()
}

// SessionKey returns the key of the pair the message travels between.
func (m *SignalingMessage) SessionKey() SessionKey {
	return NewSessionKey(m.From, m.To)
}

type wireMessage struct {
	Kind     MessageKind     `json:"kind"`
	CallID   CallID          `json:"call_id"`
	From     ParticipantID   `json:"from"`
	To       ParticipantID   `json:"to"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *CallMetadata   `json:"metadata,omitempty"`
}

func (m SignalingMessage) MarshalJSON() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	w := wireMessage{Kind: m.Kind, CallID: m.CallID, From: m.From, To: m.To}

	var body any
	switch p := m.Payload.(type) {
	case OfferPayload:
		body = p.Description
		if p.Metadata != (CallMetadata{}) {
			meta := p.Metadata
			w.Metadata = &meta
		}
	case AnswerPayload:
		body = p.Description
	case IceCandidatePayload:
		body = p.Candidate
	}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Kind, err)
		}
		w.Payload = raw
	}

	return json.Marshal(w)
}

func (m *SignalingMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if w.Metadata != nil && w.Kind != KindOffer {
		return fmt.Errorf("%w: metadata is only allowed on offers", ErrInvalidMessage)
	}

	var payload Payload
	switch w.Kind {
	case KindOffer:
		var d SessionDescription
		if err := decodeStrict(w.Payload, &d); err != nil {
			return err
		}
		p := OfferPayload{Description: d}
		if w.Metadata != nil {
			p.Metadata = *w.Metadata
		}
		payload = p
	case KindAnswer:
		var d SessionDescription
		if err := decodeStrict(w.Payload, &d); err != nil {
			return err
		}
		payload = AnswerPayload{Description: d}
	case KindIceCandidate:
		var c IceCandidate
		if err := decodeStrict(w.Payload, &c); err != nil {
			return err
		}
		payload = IceCandidatePayload{Candidate: c}
	case KindCallEnded:
		if err := requireEmpty(w.Payload); err != nil {
			return err
		}
		payload = CallEndedPayload{}
	case KindCallRejected:
		if err := requireEmpty(w.Payload); err != nil {
			return err
		}
		payload = CallRejectedPayload{}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, w.Kind)
	}

	decoded := SignalingMessage{Kind: w.Kind, CallID: w.CallID, From: w.From, To: w.To, Payload: payload}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*m = decoded
	return nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func requireEmpty(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil
	}
	return fmt.Errorf("%w: payload must be empty", ErrInvalidMessage)
}
