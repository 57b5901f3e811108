// Package coretest provides in-memory media fakes for tests of packages that
// drive core.PeerTransport and core.AudioCapture.
package coretest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type LocalAudio struct {
	mu      sync.Mutex
	stopped int
}

func (a *LocalAudio) Track() webrtc.TrackLocal { return nil }

func (a *LocalAudio) Stop() {
	a.mu.Lock()
	a.stopped++
	a.mu.Unlock()
}

func (a *LocalAudio) Stopped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Capture hands out LocalAudio values, or Err when set.
type Capture struct {
	mu       sync.Mutex
	Err      error
	acquired []*LocalAudio
}

func (c *Capture) Acquire(context.Context) (core.LocalAudio, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	a := &LocalAudio{}
	c.acquired = append(c.acquired, a)
	return a, nil
}

func (c *Capture) Acquired() []*LocalAudio {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*LocalAudio(nil), c.acquired...)
}

type RemoteAudio struct{ TrackID string }

func (r *RemoteAudio) ID() string { return r.TrackID }

func (r *RemoteAudio) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// Sink counts attachments and detachments.
type Sink struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (s *Sink) Attach(core.RemoteAudio) func() {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.detached++
			s.mu.Unlock()
		})
	}
}

func (s *Sink) Counts() (attached, detached int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, s.detached
}

// Transport records everything a call does to its peer connection.
type Transport struct {
	mu         sync.Mutex
	name       string
	local      []core.LocalAudio
	localDesc  *domain.SessionDescriptor
	remoteDesc *domain.SessionDescriptor
	applied    []domain.ICECandidate
	closed     int
	onICE      func(domain.ICECandidate)
	onRemote   func(core.RemoteAudio)

	// CandidateErr is returned by AddICECandidate when set.
	CandidateErr error
	// RemoteErr is returned by SetRemoteDescription when set.
	RemoteErr error
}

func (t *Transport) AddLocalAudio(a core.LocalAudio) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = append(t.local, a)
	return nil
}

func (t *Transport) CreateOffer(context.Context) (domain.SessionDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := domain.SessionDescriptor{Type: "offer", SDP: "v=0 offer " + t.name}
	t.localDesc = &d
	return d, nil
}

func (t *Transport) CreateAnswer(context.Context) (domain.SessionDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteDesc == nil {
		return domain.SessionDescriptor{}, fmt.Errorf("answer without remote offer")
	}
	d := domain.SessionDescriptor{Type: "answer", SDP: "v=0 answer " + t.name}
	t.localDesc = &d
	return d, nil
}

func (t *Transport) SetRemoteDescription(d domain.SessionDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RemoteErr != nil {
		return t.RemoteErr
	}
	if t.remoteDesc != nil {
		return fmt.Errorf("remote description already set")
	}
	t.remoteDesc = &d
	return nil
}

func (t *Transport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc != nil
}

func (t *Transport) AddICECandidate(c domain.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CandidateErr != nil {
		return t.CandidateErr
	}
	if t.remoteDesc == nil {
		return fmt.Errorf("candidate before remote description")
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *Transport) OnICECandidate(fn func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) OnRemoteAudio(fn func(core.RemoteAudio)) {
	t.mu.Lock()
	t.onRemote = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

// EmitCandidate simulates a locally gathered candidate.
func (t *Transport) EmitCandidate(c domain.ICECandidate) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitRemoteAudio simulates the arrival of the remote track.
func (t *Transport) EmitRemoteAudio(r core.RemoteAudio) {
	t.mu.Lock()
	fn := t.onRemote
	t.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (t *Transport) LocalDescription() *domain.SessionDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDesc
}

func (t *Transport) RemoteDescription() *domain.SessionDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc
}

func (t *Transport) Applied() []domain.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ICECandidate(nil), t.applied...)
}

func (t *Transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) LocalAudio() []core.LocalAudio {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.LocalAudio(nil), t.local...)
}

// Factory creates Transport values and remembers them.
type Factory struct {
	mu         sync.Mutex
	Err        error
	transports []*Transport
	// Prepare, when set, configures each transport before it is handed out.
	Prepare func(*Transport)
}

func (f *Factory) NewTransport(context.Context) (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := &Transport{name: fmt.Sprintf("t%d", len(f.transports)+1)}
	if f.Prepare != nil {
		f.Prepare(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Last returns the most recently created transport, nil when none.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

var (
	_ core.AudioCapture     = (*Capture)(nil)
	_ core.AudioSink        = (*Sink)(nil)
	_ core.PeerTransport    = (*Transport)(nil)
	_ core.TransportFactory = (*Factory)(nil)
	_ core.RemoteAudio      = (*RemoteAudio)(nil)
)
