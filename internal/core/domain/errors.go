package domain

import "errors"

var (
	ErrMediaAcquireFailed   = errors.New("local media unavailable")
	ErrSignalingUnavailable = errors.New("signaling channel unavailable")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrRejected             = errors.New("call rejected")
	ErrSessionExists        = errors.New("a session already exists for this pair")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInvalidMessage       = errors.New("invalid signaling message")
	ErrListenerExists       = errors.New("incoming call listener already registered")
	ErrCandidateApply       = errors.New("failed to apply ice candidate")
	ErrControllerClosed     = errors.New("call controller closed")
	ErrSessionClaimed       = errors.New("pair is claimed by another call")
)
