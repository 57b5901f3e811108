package orch

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/app/signaling"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// EnterVoice joins the room's shared voice channel. The first participant
// becomes the caller of a new session; later ones answer it.
func (o *Orchestrator) EnterVoice(ctx context.Context, room domain.RoomID) (*signaling.Call, error) {
	u, err := o.authorize(ctx, room)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if c, ok := o.voice[room]; ok && c.State() != signaling.StateEnded {
		o.mu.Unlock()
		return c, nil
	}
	o.mu.Unlock()

	if err := o.Directory.EnsureChannelState(ctx, room); err != nil {
		return nil, err
	}
	current, err := o.Directory.CurrentSession(ctx, room)
	if err != nil {
		return nil, err
	}

	var call *signaling.Call
	if current != "" {
		call, err = o.Engine.JoinCallee(ctx, room, current, u.ID)
		if errors.Is(err, core.ErrSessionEnded) || errors.Is(err, core.ErrSessionNotFound) {
			// The pointer outlived its session; free it and start over as caller.
			log.Info().Str("module", "orch").Str("room", string(room)).Str("call", string(current)).Msg("stale voice session")
			if _, err := o.Directory.ReleaseChannel(ctx, room, current, u.ID); err != nil {
				return nil, err
			}
			call, err = o.startChannel(ctx, room, u.ID)
		}
	} else {
		call, err = o.startChannel(ctx, room, u.ID)
	}
	if err != nil {
		return nil, err
	}

	if err := o.Directory.PublishPresence(ctx, room, u); err != nil {
		call.Teardown()
		return nil, err
	}

	o.mu.Lock()
	if prev, ok := o.voice[room]; ok && prev != call {
		prev.Teardown()
	}
	o.voice[room] = call
	o.mu.Unlock()
	go o.followVoice(room, u.ID, call)

	log.Info().Str("module", "orch").Str("room", string(room)).Str("call", string(call.ID())).
		Str("role", string(call.Role())).Str("user", string(u.ID)).Msg("entered voice")
	return call, nil
}

// startChannel creates a session and publishes it as the room's active one.
// When another participant claimed the channel first, the new session is
// ended and the winner's is answered instead.
func (o *Orchestrator) startChannel(ctx context.Context, room domain.RoomID, user domain.UserID) (*signaling.Call, error) {
	call, err := o.Engine.StartCaller(ctx, room, user)
	if err != nil {
		return nil, err
	}
	winner, err := o.Directory.ClaimChannel(ctx, room, call.ID(), user, o.Options.StrictClaim)
	if err != nil {
		if hangErr := o.Engine.HangUp(ctx, call); hangErr != nil {
			log.Warn().Err(hangErr).Str("module", "orch").Str("call", string(call.ID())).Msg("hang up after failed claim")
		}
		return nil, err
	}
	if winner == call.ID() {
		return call, nil
	}

	if err := o.Engine.HangUp(ctx, call); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("call", string(call.ID())).Msg("orphan session left open")
	}
	return o.Engine.JoinCallee(ctx, room, winner, user)
}

// followVoice drops the room's voice state once the call ends on its own,
// for instance when the admin closes the channel for everyone.
func (o *Orchestrator) followVoice(room domain.RoomID, user domain.UserID, call *signaling.Call) {
	<-call.Done()
	o.mu.Lock()
	current, ok := o.voice[room]
	if !ok || current != call {
		o.mu.Unlock()
		return
	}
	delete(o.voice, room)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceCleanupTimeout)
	defer cancel()
	if err := o.Directory.RetractPresence(ctx, room, user); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(room)).Msg("presence cleanup failed")
	}
}

// ExitVoice leaves the shared channel without ending it for others.
func (o *Orchestrator) ExitVoice(ctx context.Context, room domain.RoomID) error {
	u := o.Identity.Current()
	if u == nil {
		return core.ErrNotSignedIn
	}
	o.mu.Lock()
	call := o.voice[room]
	delete(o.voice, room)
	o.mu.Unlock()

	if call != nil {
		call.Teardown()
	}
	return o.Directory.RetractPresence(ctx, room, u.ID)
}

// CloseVoiceForAll ends the room's voice session for every participant.
// It does nothing unless the signed-in user is the room admin.
func (o *Orchestrator) CloseVoiceForAll(ctx context.Context, room domain.RoomID) (bool, error) {
	u := o.Identity.Current()
	if u == nil {
		return false, core.ErrNotSignedIn
	}
	return o.Directory.CloseChannel(ctx, room, u.ID)
}

// VoiceCall returns the local call of the room's voice channel, nil when not in it.
func (o *Orchestrator) VoiceCall(room domain.RoomID) *signaling.Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voice[room]
}
