// Package directory tracks which call session is live in a room's shared
// voice channel and who is in it.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type Directory struct {
	store docstore.Store
}

func New(store docstore.Store) *Directory {
	return &Directory{store: store}
}

// EnsureChannelState creates the room's voice/current document with no
// active call unless it already exists.
func (d *Directory) EnsureChannelState(ctx context.Context, room domain.RoomID) error {
	err := d.store.Create(ctx, domain.VoiceStatePath(room), docstore.Data{
		domain.FieldActiveCallID:    nil,
		domain.FieldUpdatedAt:       docstore.ServerTimestamp(),
		domain.FieldUpdatedByUserID: "",
	})
	if err == nil || errors.Is(err, docstore.ErrAlreadyExists) {
		return nil
	}
	return core.StoreWrite("ensure channel state", err)
}

func (d *Directory) ChannelState(ctx context.Context, room domain.RoomID) (*domain.VoiceChannelState, error) {
	snap, err := d.store.Get(ctx, domain.VoiceStatePath(room))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return &domain.VoiceChannelState{}, nil
	}
	return docstore.Decode[domain.VoiceChannelState](snap)
}

// CurrentSession returns the active call id of the room, empty when none.
func (d *Directory) CurrentSession(ctx context.Context, room domain.RoomID) (domain.CallID, error) {
	st, err := d.ChannelState(ctx, room)
	if err != nil {
		return "", err
	}
	if st.ActiveCallID == nil {
		return "", nil
	}
	return *st.ActiveCallID, nil
}

// ClaimChannel publishes call as the room's active session and returns the
// id that holds the channel afterwards. With strict set the pointer is only
// taken when free, so a concurrent claimer gets the other id back. Without
// it the last writer wins and call is always returned.
func (d *Directory) ClaimChannel(ctx context.Context, room domain.RoomID, call domain.CallID, by domain.UserID, strict bool) (domain.CallID, error) {
	data := docstore.Data{
		domain.FieldActiveCallID:    string(call),
		domain.FieldUpdatedAt:       docstore.ServerTimestamp(),
		domain.FieldUpdatedByUserID: string(by),
	}
	path := domain.VoiceStatePath(room)

	if !strict {
		if err := d.store.Set(ctx, path, data, docstore.Merge()); err != nil {
			return "", core.StoreWrite("claim channel", err)
		}
		return call, nil
	}

	// The pointer can be released between a lost claim and the read that
	// follows it; a few attempts settle that.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := d.store.CompareAndSet(ctx, path, domain.FieldActiveCallID, nil, data)
		if err != nil {
			return "", core.StoreWrite("claim channel", err)
		}
		if ok {
			return call, nil
		}
		current, err := d.CurrentSession(ctx, room)
		if err != nil {
			return "", err
		}
		if current != "" {
			log.Info().Str("module", "directory").Str("room", string(room)).
				Str("call", string(call)).Str("winner", string(current)).Msg("channel claim lost")
			return current, nil
		}
	}
	return "", core.StoreWrite("claim channel", fmt.Errorf("pointer kept changing"))
}

// ReleaseChannel clears the pointer if it still references call. It
// reports whether the pointer was cleared.
func (d *Directory) ReleaseChannel(ctx context.Context, room domain.RoomID, call domain.CallID, by domain.UserID) (bool, error) {
	ok, err := d.store.CompareAndSet(ctx, domain.VoiceStatePath(room), domain.FieldActiveCallID, string(call), docstore.Data{
		domain.FieldActiveCallID:    nil,
		domain.FieldUpdatedAt:       docstore.ServerTimestamp(),
		domain.FieldUpdatedByUserID: string(by),
	})
	if err != nil {
		return false, core.StoreWrite("release channel", err)
	}
	return ok, nil
}

// EndSession marks a call session ended. A missing session is not an error.
func (d *Directory) EndSession(ctx context.Context, room domain.RoomID, call domain.CallID) error {
	err := d.store.Update(ctx, domain.CallPath(room, call), docstore.Data{
		domain.FieldStatus: string(domain.CallEnded),
	})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return core.StoreWrite("end session", err)
	}
	return nil
}

// CloseChannel ends the active session for everyone and resets the pointer.
// Only the room admin may do this; for anyone else it does nothing and
// reports false.
func (d *Directory) CloseChannel(ctx context.Context, room domain.RoomID, by domain.UserID) (bool, error) {
	snap, err := d.store.Get(ctx, domain.MemberPath(room, by))
	if err != nil {
		return false, err
	}
	var member *domain.Member
	if snap.Exists {
		if member, err = docstore.Decode[domain.Member](snap); err != nil {
			return false, err
		}
	}
	if !member.IsAdmin() {
		log.Debug().Str("module", "directory").Str("room", string(room)).Str("user", string(by)).Msg("close channel ignored: not admin")
		return false, nil
	}

	current, err := d.CurrentSession(ctx, room)
	if err != nil {
		return false, err
	}
	if current != "" {
		if err := d.EndSession(ctx, room, current); err != nil {
			return false, err
		}
	}
	err = d.store.Set(ctx, domain.VoiceStatePath(room), docstore.Data{
		domain.FieldActiveCallID:    nil,
		domain.FieldUpdatedAt:       docstore.ServerTimestamp(),
		domain.FieldUpdatedByUserID: string(by),
	}, docstore.Merge())
	if err != nil {
		return false, core.StoreWrite("reset channel", err)
	}
	log.Info().Str("module", "directory").Str("room", string(room)).Str("call", string(current)).Str("user", string(by)).Msg("voice channel closed")
	return true, nil
}

func (d *Directory) PublishPresence(ctx context.Context, room domain.RoomID, u *domain.User) error {
	err := d.store.Set(ctx, domain.VoicePresencePath(room, u.ID), docstore.Data{
		domain.FieldUserID:      string(u.ID),
		domain.FieldDisplayName: u.DisplayName,
		domain.FieldJoinedAt:    docstore.ServerTimestamp(),
	})
	if err != nil {
		return core.StoreWrite("publish presence", err)
	}
	return nil
}

func (d *Directory) RetractPresence(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	if err := d.store.Delete(ctx, domain.VoicePresencePath(room, user)); err != nil {
		return core.StoreWrite("retract presence", err)
	}
	return nil
}

var presenceQuery = docstore.Query{OrderBy: domain.FieldJoinedAt}

func decodePresence(docs []*docstore.Snapshot) []domain.VoicePresence {
	out := make([]domain.VoicePresence, 0, len(docs))
	for _, s := range docs {
		p, err := docstore.Decode[domain.VoicePresence](s)
		if err != nil {
			log.Warn().Err(err).Str("module", "directory").Str("path", s.Path).Msg("undecodable presence")
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Presence lists who is in the room's voice channel, earliest first.
func (d *Directory) Presence(ctx context.Context, room domain.RoomID) ([]domain.VoicePresence, error) {
	docs, err := d.store.Query(ctx, domain.VoiceMembersCollection(room), presenceQuery)
	if err != nil {
		return nil, err
	}
	return decodePresence(docs), nil
}

func (d *Directory) WatchChannel(ctx context.Context, room domain.RoomID, fn func(*domain.VoiceChannelState)) (docstore.Subscription, error) {
	return d.store.Watch(ctx, domain.VoiceStatePath(room), func(s *docstore.Snapshot) {
		st := &domain.VoiceChannelState{}
		if s.Exists {
			decoded, err := docstore.Decode[domain.VoiceChannelState](s)
			if err != nil {
				log.Warn().Err(err).Str("module", "directory").Str("room", string(room)).Msg("undecodable channel state")
				return
			}
			st = decoded
		}
		fn(st)
	})
}

func (d *Directory) WatchPresence(ctx context.Context, room domain.RoomID, fn func([]domain.VoicePresence)) (docstore.Subscription, error) {
	return d.store.WatchQuery(ctx, domain.VoiceMembersCollection(room), presenceQuery, func(qs *docstore.QuerySnapshot) {
		fn(decodePresence(qs.Docs))
	})
}
