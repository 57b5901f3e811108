package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type State string

const (
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateEnded       State = "ended"
)

// Call is one participant's side of one call session. It owns the peer
// transport, the local audio and every subscription opened for the session,
// and releases all of them on Teardown.
type Call struct {
	engine *Engine
	room   domain.RoomID
	id     domain.CallID
	role   Role
	user   domain.UserID

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	state         State
	transport     core.PeerTransport
	local         core.LocalAudio
	detach        func()
	subs          []docstore.Subscription
	pending       []domain.ICECandidate
	remoteApplied bool
}

func newCall(e *Engine, room domain.RoomID, id domain.CallID, role Role, user domain.UserID, local core.LocalAudio) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		engine: e,
		room:   room,
		id:     id,
		role:   role,
		user:   user,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateNegotiating,
		local:  local,
	}
}

func (c *Call) ID() domain.CallID     { return c.id }
func (c *Call) Room() domain.RoomID   { return c.room }
func (c *Call) Role() Role            { return c.role }
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// attachTransport wires a fresh transport to this call. Local candidates
// are appended to candidates as they are gathered.
func (c *Call) attachTransport(t core.PeerTransport, candidates string) error {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	t.OnICECandidate(func(cand domain.ICECandidate) {
		if c.ctx.Err() != nil {
			return
		}
		if _, err := c.engine.store.Add(c.ctx, candidates, candidateData(cand)); err != nil {
			if c.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signaling").Str("call", string(c.id)).Msg("publish local candidate failed")
			}
		}
	})
	t.OnRemoteAudio(c.attachRemote)
	return t.AddLocalAudio(c.local)
}

func (c *Call) attachRemote(r core.RemoteAudio) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded || c.engine.sink == nil {
		return
	}
	if c.detach != nil {
		c.detach()
	}
	c.detach = c.engine.sink.Attach(r)
	log.Info().Str("module", "signaling").Str("call", string(c.id)).Str("track", r.ID()).Msg("remote audio attached")
}

func (c *Call) track(sub docstore.Subscription) {
	c.mu.Lock()
	ended := c.state == StateEnded
	if !ended {
		c.subs = append(c.subs, sub)
	}
	c.mu.Unlock()
	if ended {
		sub.Stop()
	}
}

// applyRemote sets the remote description once and flushes candidates
// that arrived before it.
func (c *Call) applyRemote(desc domain.SessionDescriptor) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded || c.remoteApplied || c.transport.HasRemoteDescription() {
		return false, nil
	}
	if err := c.transport.SetRemoteDescription(desc); err != nil {
		return false, err
	}
	c.remoteApplied = true

	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		c.addCandidateLocked(cand)
	}
	return true, nil
}

func (c *Call) addRemoteCandidate(cand domain.ICECandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return
	}
	if !c.remoteApplied {
		c.pending = append(c.pending, cand)
		return
	}
	c.addCandidateLocked(cand)
}

func (c *Call) addCandidateLocked(cand domain.ICECandidate) {
	if err := c.transport.AddICECandidate(cand); err != nil {
		log.Warn().Err(fmt.Errorf("%w: %w", core.ErrCandidateApplication, err)).
			Str("module", "signaling").Str("call", string(c.id)).Msg("candidate ignored")
	}
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		log.Info().Str("module", "signaling").Str("call", string(c.id)).Str("role", string(c.role)).Str("state", string(s)).Msg("call state")
	}
}

// watchRemoteCandidates applies every candidate added to collection.
func (c *Call) watchRemoteCandidates(ctx context.Context, collection string) error {
	sub, err := c.engine.store.WatchQuery(ctx, collection, docstore.Query{}, func(qs *docstore.QuerySnapshot) {
		for _, ch := range qs.Changes {
			if ch.Type != docstore.ChangeAdded {
				continue
			}
			cand, err := docstore.Decode[domain.ICECandidate](ch.Doc)
			if err != nil {
				log.Warn().Err(err).Str("module", "signaling").Str("path", ch.Doc.Path).Msg("undecodable candidate")
				continue
			}
			c.addRemoteCandidate(*cand)
		}
	})
	if err != nil {
		return err
	}
	c.track(sub)
	return nil
}

// watchSession follows the session document. onSession runs for every
// snapshot that is not terminal; an ended or deleted session tears down.
func (c *Call) watchSession(ctx context.Context, onSession func(*domain.CallSession)) error {
	sub, err := c.engine.store.Watch(ctx, domain.CallPath(c.room, c.id), func(s *docstore.Snapshot) {
		if !s.Exists {
			log.Info().Str("module", "signaling").Str("call", string(c.id)).Msg("session removed")
			c.Teardown()
			return
		}
		sess, err := decodeSession(s)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", string(c.id)).Msg("undecodable session")
			return
		}
		if sess.Ended() {
			log.Info().Str("module", "signaling").Str("call", string(c.id)).Msg("session ended remotely")
			c.Teardown()
			return
		}
		if onSession != nil {
			onSession(sess)
		}
	})
	if err != nil {
		return err
	}
	c.track(sub)
	return nil
}

// Teardown releases the transport, local audio, remote playback and all
// subscriptions. Calling it again does nothing.
func (c *Call) Teardown() {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	subs := c.subs
	c.subs = nil
	transport := c.transport
	local := c.local
	detach := c.detach
	c.detach = nil
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	for _, s := range subs {
		s.Stop()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", string(c.id)).Msg("transport close")
		}
	}
	if local != nil {
		local.Stop()
	}
	if detach != nil {
		detach()
	}
	close(c.done)
	log.Info().Str("module", "signaling").Str("call", string(c.id)).Str("role", string(c.role)).Msg("call torn down")
}

// abort tears down after a failed step and returns err.
func (c *Call) abort(err error) error {
	c.Teardown()
	return err
}

func candidateData(c domain.ICECandidate) docstore.Data {
	d := docstore.Data{"candidate": c.Candidate}
	if c.SDPMid != nil {
		d["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		d["sdpMLineIndex"] = *c.SDPMLineIndex
	}
	if c.UsernameFragment != nil {
		d["usernameFragment"] = *c.UsernameFragment
	}
	return d
}

func descriptorData(d domain.SessionDescriptor) map[string]any {
	return map[string]any{"type": d.Type, "sdp": d.SDP}
}

func decodeSession(s *docstore.Snapshot) (*domain.CallSession, error) {
	sess, err := docstore.Decode[domain.CallSession](s)
	if err != nil {
		return nil, err
	}
	sess.ID = domain.CallID(s.ID)
	return sess, nil
}
