package domain

import "time"

type CallState int

const (
	StateIdle CallState = iota
	StateCalling
	StateReceiving
	StateConnecting
	StateActive
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateReceiving:
		return "receiving"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s CallState) IsTerminal() bool { return s == StateEnded }

type EndReason string

const (
	EndReasonNone               EndReason = ""
	EndReasonLocalHangup        EndReason = "local_hangup"
	EndReasonRemoteHangup       EndReason = "remote_hangup"
	EndReasonRejected           EndReason = "rejected"
	EndReasonNegotiationFailed  EndReason = "negotiation_failed"
	EndReasonMediaAcquireFailed EndReason = "media_acquire_failed"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// TransitionEvent is anything that may move a session between states.
type TransitionEvent int

const (
	EventStartCall TransitionEvent = iota
	EventOfferReceived
	EventAnswerReceived
	EventRejectedReceived
	EventLocalCancel
	EventAccept
	EventReject
	EventTransportConnected
	EventTransportFailed
	EventEndedReceived
	EventEndCall
	EventTimeout
	EventMediaAcquireFailed
	EventCollisionLost
)

var transitionEventNames = map[TransitionEvent]string{
	EventStartCall:          "start_call",
	EventOfferReceived:      "offer_received",
	EventAnswerReceived:     "answer_received",
	EventRejectedReceived:   "rejected_received",
	EventLocalCancel:        "local_cancel",
	EventAccept:             "accept",
	EventReject:             "reject",
	EventTransportConnected: "transport_connected",
	EventTransportFailed:    "transport_failed",
	EventEndedReceived:      "ended_received",
	EventEndCall:            "end_call",
	EventTimeout:            "timeout",
	EventMediaAcquireFailed: "media_acquire_failed",
	EventCollisionLost:      "collision_lost",
}

func (e TransitionEvent) String() string {
	if name, ok := transitionEventNames[e]; ok {
		return name
	}
	return "unknown"
}

// Transition is the session transition table. ok is false for an illegal
// transition, in which case the caller must leave the state untouched.
// reason is set only when next is StateEnded.
func Transition(from CallState, event TransitionEvent) (next CallState, reason EndReason, ok bool) {
	if from == StateEnded {
		return from, EndReasonNone, false
	}

	switch event {
	case EventEndedReceived:
		return StateEnded, EndReasonRemoteHangup, true
	case EventEndCall:
		return StateEnded, EndReasonLocalHangup, true
	}

	switch from {
	case StateIdle:
		switch event {
		case EventStartCall:
			return StateCalling, EndReasonNone, true
		case EventOfferReceived:
			return StateReceiving, EndReasonNone, true
		}
	case StateCalling:
		switch event {
		case EventAnswerReceived:
			return StateConnecting, EndReasonNone, true
		case EventRejectedReceived, EventCollisionLost:
			return StateEnded, EndReasonRejected, true
		case EventLocalCancel:
			return StateEnded, EndReasonLocalHangup, true
		case EventTimeout:
			return StateEnded, EndReasonNegotiationFailed, true
		}
	case StateReceiving:
		switch event {
		case EventAccept:
			return StateConnecting, EndReasonNone, true
		case EventReject:
			return StateEnded, EndReasonRejected, true
		case EventMediaAcquireFailed:
			return StateEnded, EndReasonMediaAcquireFailed, true
		case EventTimeout:
			return StateEnded, EndReasonNegotiationFailed, true
		}
	case StateConnecting:
		switch event {
		case EventTransportConnected:
			return StateActive, EndReasonNone, true
		case EventTransportFailed, EventTimeout:
			return StateEnded, EndReasonNegotiationFailed, true
		}
	case StateActive:
		switch event {
		case EventTransportConnected:
			return StateActive, EndReasonNone, true
		case EventTransportFailed:
			return StateEnded, EndReasonNegotiationFailed, true
		}
	}

	return from, EndReasonNone, false
}

// TransportState is the connection state reported by a media endpoint.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Event returns the session event a transport state maps to, if any.
func (t TransportState) Event() (TransitionEvent, bool) {
	switch t {
	case TransportConnected:
		return EventTransportConnected, true
	case TransportDisconnected, TransportFailed, TransportClosed:
		return EventTransportFailed, true
	}
	return 0, false
}

type RemoteStream struct {
	StreamID string
	TrackID  string
	Kind     string
	MimeType string
}

type StateChange struct {
	From   CallState
	To     CallState
	Reason EndReason
	At     time.Time
}

type CallEventType string

const (
	CallEventStateChanged   CallEventType = "state_changed"
	CallEventRemoteStream   CallEventType = "remote_stream"
	CallEventCandidateError CallEventType = "candidate_error"
)

// CallEvent is one entry of a session's outbound event stream. Exactly one of
// State, Stream or Err is set, according to Type.
type CallEvent struct {
	Type    CallEventType
	CallID  CallID
	Key     SessionKey
	State   *StateChange
	Stream  *RemoteStream
	Err     error
	Emitted time.Time
}
