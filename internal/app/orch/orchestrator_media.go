package orch

import (
	"context"

	"github.com/dkeye/huddle/internal/app/signaling"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// CreateCall starts a standalone call and returns it with its share link.
func (o *Orchestrator) CreateCall(ctx context.Context, room domain.RoomID) (*signaling.Call, string, error) {
	u, err := o.authorize(ctx, room)
	if err != nil {
		return nil, "", err
	}
	call, err := o.Engine.StartCaller(ctx, room, u.ID)
	if err != nil {
		return nil, "", err
	}
	o.track(call)
	link := ShareLink(o.Options.PublicURL, room, call.ID())
	log.Info().Str("module", "orch").Str("room", string(room)).Str("call", string(call.ID())).Str("link", link).Msg("call created")
	return call, link, nil
}

// JoinCall answers a standalone call by id.
func (o *Orchestrator) JoinCall(ctx context.Context, room domain.RoomID, id domain.CallID) (*signaling.Call, error) {
	u, err := o.authorize(ctx, room)
	if err != nil {
		return nil, err
	}
	call, err := o.Engine.JoinCallee(ctx, room, id, u.ID)
	if err != nil {
		return nil, err
	}
	o.track(call)
	return call, nil
}

// HangUp ends a standalone call for both sides. Without a local call the
// session is still marked ended, which needs a signed-in user.
func (o *Orchestrator) HangUp(ctx context.Context, room domain.RoomID, id domain.CallID) error {
	o.mu.Lock()
	call := o.calls[id]
	delete(o.calls, id)
	o.mu.Unlock()

	if call != nil {
		return o.Engine.HangUp(ctx, call)
	}
	if o.Identity.Current() == nil {
		return core.ErrNotSignedIn
	}
	return o.Directory.EndSession(ctx, room, id)
}

func (o *Orchestrator) track(call *signaling.Call) {
	o.mu.Lock()
	o.calls[call.ID()] = call
	o.mu.Unlock()

	go func() {
		<-call.Done()
		o.mu.Lock()
		if o.calls[call.ID()] == call {
			delete(o.calls, call.ID())
		}
		o.mu.Unlock()
	}()
}

// Call returns a live standalone call by id.
func (o *Orchestrator) Call(id domain.CallID) *signaling.Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[id]
}
