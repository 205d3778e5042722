package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// MediaEvents are the asynchronous callbacks a media endpoint raises for a
// handle. Implementations may invoke them from any goroutine.
type MediaEvents struct {
	OnLocalIceCandidate     func(domain.IceCandidate)
	OnRemoteTrack           func(domain.RemoteStream)
	OnConnectionStateChange func(domain.TransportState)
}

// MediaHandle is the negotiated connection plus captured local media of one
// session. It is owned by exactly one session.
type MediaHandle interface {
	ID() string
}

type MediaEndpoint interface {
	AcquireLocalMedia(ctx context.Context, events MediaEvents) (MediaHandle, error)
	CreateOffer(ctx context.Context, h MediaHandle) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context, h MediaHandle, remote domain.SessionDescription) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, h MediaHandle, desc domain.SessionDescription) error
	AddIceCandidate(ctx context.Context, h MediaHandle, c domain.IceCandidate) error
	Close(h MediaHandle) error
}
