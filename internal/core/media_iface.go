package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalAudio is an acquired microphone (or stand-in) stream.
// Stop releases the device; calling it twice is harmless.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	Stop()
}

// AudioCapture acquires local audio. Failure is fatal for a call attempt.
type AudioCapture interface {
	Acquire(ctx context.Context) (LocalAudio, error)
}

// RemoteAudio is the incoming audio track of the other peer.
type RemoteAudio interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// AudioSink plays remote audio. The returned func detaches it.
type AudioSink interface {
	Attach(remote RemoteAudio) (detach func())
}

// PeerTransport is one side of a two-party media connection.
// Owned by a single call attempt; Close must be called exactly once by it.
type PeerTransport interface {
	AddLocalAudio(LocalAudio) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context) (domain.SessionDescriptor, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescriptor, error)
	SetRemoteDescription(domain.SessionDescriptor) error
	HasRemoteDescription() bool
	AddICECandidate(domain.ICECandidate) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(domain.ICECandidate))
	// OnRemoteAudio sets a callback invoked when the remote audio track arrives.
	OnRemoteAudio(func(RemoteAudio))
	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context) (PeerTransport, error)
}
