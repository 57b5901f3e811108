// Package signaling negotiates two-party audio calls through the shared
// document store: the caller publishes an offer, the callee an answer, and
// both stream their ICE candidates into per-role collections.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 3 * time.Second

type Engine struct {
	store      docstore.Store
	capture    core.AudioCapture
	transports core.TransportFactory
	sink       core.AudioSink
}

// NewEngine builds an Engine. sink may be nil, remote audio is then ignored.
func NewEngine(store docstore.Store, capture core.AudioCapture, transports core.TransportFactory, sink core.AudioSink) *Engine {
	return &Engine{store: store, capture: capture, transports: transports, sink: sink}
}

func (e *Engine) acquire(ctx context.Context) (core.LocalAudio, error) {
	local, err := e.capture.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMediaAcquisition, err)
	}
	return local, nil
}

// StartCaller creates a new call session in room and offers it. The
// returned Call applies the answer when it shows up and tears itself down
// when the session ends.
func (e *Engine) StartCaller(ctx context.Context, room domain.RoomID, user domain.UserID) (*Call, error) {
	local, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}

	id, err := e.store.Add(ctx, domain.CallsCollection(room), docstore.Data{
		domain.FieldCreatedAt:       docstore.ServerTimestamp(),
		domain.FieldCreatedByUserID: string(user),
		domain.FieldStatus:          string(domain.CallOpen),
	})
	if err != nil {
		local.Stop()
		return nil, core.StoreWrite("create session", err)
	}
	call := newCall(e, room, domain.CallID(id), RoleCaller, user, local)
	log.Info().Str("module", "signaling").Str("room", string(room)).Str("call", id).Msg("session created")

	// Past this point the session exists; a failure leaves it ended rather than open.
	fail := func(err error) (*Call, error) {
		call.Teardown()
		if endErr := e.endSession(room, call.id); endErr != nil {
			log.Warn().Err(endErr).Str("module", "signaling").Str("call", id).Msg("could not end failed session")
		}
		return nil, err
	}

	transport, err := e.transports.NewTransport(ctx)
	if err != nil {
		return fail(fmt.Errorf("create transport: %w", err))
	}
	if err := call.attachTransport(transport, domain.OfferCandidatesCollection(room, call.id)); err != nil {
		return fail(fmt.Errorf("add local audio: %w", err))
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := e.store.Update(ctx, domain.CallPath(room, call.id), docstore.Data{
		domain.FieldOffer: descriptorData(offer),
	}); err != nil {
		return fail(core.StoreWrite("publish offer", err))
	}

	err = call.watchSession(call.ctx, func(sess *domain.CallSession) {
		if sess.Answer == nil {
			return
		}
		applied, err := call.applyRemote(*sess.Answer)
		if err != nil {
			log.Error().Err(err).Str("module", "signaling").Str("call", id).Msg("apply answer failed")
			call.Teardown()
			return
		}
		if applied {
			call.setState(StateConnected)
		}
	})
	if err != nil {
		return fail(fmt.Errorf("watch session: %w", err))
	}
	if err := call.watchRemoteCandidates(call.ctx, domain.AnswerCandidatesCollection(room, call.id)); err != nil {
		return fail(fmt.Errorf("watch answer candidates: %w", err))
	}
	return call, nil
}

// JoinCallee answers an existing call session.
func (e *Engine) JoinCallee(ctx context.Context, room domain.RoomID, id domain.CallID, user domain.UserID) (*Call, error) {
	snap, err := e.store.Get(ctx, domain.CallPath(room, id))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	sess, err := decodeSession(snap)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionEnded, id)
	}
	if sess.Offer == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotReady, id)
	}

	local, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	call := newCall(e, room, id, RoleCallee, user, local)

	transport, err := e.transports.NewTransport(ctx)
	if err != nil {
		return nil, call.abort(fmt.Errorf("create transport: %w", err))
	}
	if err := call.attachTransport(transport, domain.AnswerCandidatesCollection(room, id)); err != nil {
		return nil, call.abort(fmt.Errorf("add local audio: %w", err))
	}
	if _, err := call.applyRemote(*sess.Offer); err != nil {
		return nil, call.abort(fmt.Errorf("apply offer: %w", err))
	}

	answer, err := transport.CreateAnswer(ctx)
	if err != nil {
		return nil, call.abort(fmt.Errorf("create answer: %w", err))
	}
	if err := e.publishAnswer(ctx, room, id, answer); err != nil {
		return nil, call.abort(err)
	}
	call.setState(StateConnected)

	if err := call.watchRemoteCandidates(call.ctx, domain.OfferCandidatesCollection(room, id)); err != nil {
		return nil, call.abort(fmt.Errorf("watch offer candidates: %w", err))
	}
	if err := call.watchSession(call.ctx, nil); err != nil {
		return nil, call.abort(fmt.Errorf("watch session: %w", err))
	}
	log.Info().Str("module", "signaling").Str("room", string(room)).Str("call", string(id)).Msg("session answered")
	return call, nil
}

// publishAnswer writes the answer and flips the session to connected. The
// write is conditional on the status just read, so an ended session stays
// ended. A later callee may still replace the answer of a connected session.
func (e *Engine) publishAnswer(ctx context.Context, room domain.RoomID, id domain.CallID, answer domain.SessionDescriptor) error {
	path := domain.CallPath(room, id)
	data := docstore.Data{
		domain.FieldAnswer: descriptorData(answer),
		domain.FieldStatus: string(domain.CallConnected),
	}
	status := domain.CallOpen
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := e.store.CompareAndSet(ctx, path, domain.FieldStatus, string(status), data)
		if err != nil {
			return core.StoreWrite("publish answer", err)
		}
		if ok {
			return nil
		}
		snap, err := e.store.Get(ctx, path)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
		}
		sess, err := decodeSession(snap)
		if err != nil {
			return err
		}
		if sess.Ended() {
			return fmt.Errorf("%w: %s", core.ErrSessionEnded, id)
		}
		status = sess.Status
	}
	return fmt.Errorf("%w: %s kept changing", core.ErrSessionNotReady, id)
}

// HangUp marks the call's session ended for both peers and tears down locally.
func (e *Engine) HangUp(ctx context.Context, call *Call) error {
	call.Teardown()
	err := e.store.Update(ctx, domain.CallPath(call.room, call.id), docstore.Data{
		domain.FieldStatus: string(domain.CallEnded),
	})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return core.StoreWrite("end session", err)
	}
	return nil
}

func (e *Engine) endSession(room domain.RoomID, id domain.CallID) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	return e.store.Update(ctx, domain.CallPath(room, id), docstore.Data{
		domain.FieldStatus: string(domain.CallEnded),
	})
}
