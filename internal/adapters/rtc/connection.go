package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection is a core.PeerTransport over a pion PeerConnection.
// Candidates are trickled: descriptions are returned before gathering ends.
type Connection struct {
	pc *webrtc.PeerConnection
	id string

	mu      sync.Mutex
	onICE   func(domain.ICECandidate)
	onAudio func(core.RemoteAudio)
	closed  bool
}

func newConnection(pc *webrtc.PeerConnection, id string) *Connection {
	c := &Connection{pc: pc, id: id}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("conn", c.id).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("conn", c.id).Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(fromCandidateInit(cand.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("conn", c.id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.Lock()
		fn := c.onAudio
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return c
}

func (c *Connection) AddLocalAudio(a core.LocalAudio) error {
	sender, err := c.pc.AddTrack(a.Track())
	if err != nil {
		return err
	}
	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescriptor{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescriptor{}, err
	}
	return c.setLocal(offer)
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescriptor{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescriptor{}, err
	}
	return c.setLocal(answer)
}

func (c *Connection) setLocal(desc webrtc.SessionDescription) (domain.SessionDescriptor, error) {
	if err := RequireAudio(desc.SDP); err != nil {
		return domain.SessionDescriptor{}, err
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescriptor{}, err
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return domain.SessionDescriptor{}, fmt.Errorf("local description not set")
	}
	return domain.SessionDescriptor{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (c *Connection) SetRemoteDescription(d domain.SessionDescriptor) error {
	typ := webrtc.NewSDPType(d.Type)
	if typ == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown description type %q", d.Type)
	}
	if err := RequireAudio(d.SDP); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP})
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnRemoteAudio(fn func(core.RemoteAudio)) {
	c.mu.Lock()
	c.onAudio = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE = nil
	c.onAudio = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("conn", c.id).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("conn", c.id).Msg("closed")
	return nil
}

func fromCandidateInit(ci webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

var _ core.PeerTransport = (*Connection)(nil)
