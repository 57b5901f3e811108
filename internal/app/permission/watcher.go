package permission

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/rs/zerolog/log"
)

// Watcher keeps Effective current for one room. It follows the room
// document, the signed-in user and that user's member record, and
// recomputes on every event. onChange only fires when the result changes.
type Watcher struct {
	store    docstore.Store
	roomID   domain.RoomID
	onChange func(Effective)

	emitMu sync.Mutex

	mu        sync.Mutex
	user      *domain.User
	room      *domain.Room
	member    *domain.Member
	memberSub docstore.Subscription
	roomSub   docstore.Subscription
	stopAuth  func()
	last      *Effective
	stopped   bool
}

func Watch(ctx context.Context, store docstore.Store, ids identity.Provider, roomID domain.RoomID, onChange func(Effective)) (*Watcher, error) {
	w := &Watcher{store: store, roomID: roomID, onChange: onChange}

	roomSub, err := store.Watch(ctx, domain.RoomPath(roomID), w.onRoom)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.roomSub = roomSub
	w.mu.Unlock()

	stopAuth := ids.Watch(func(u *domain.User) { w.onUser(ctx, u) })
	w.mu.Lock()
	w.stopAuth = stopAuth
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		stopAuth()
	}
	return w, nil
}

func (w *Watcher) Effective() Effective {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Evaluate(w.user, w.room, w.member)
}

func (w *Watcher) Can(c domain.Capability) bool {
	return w.Effective().Allows(c)
}

// User is the signed-in user as last observed, nil when signed out.
func (w *Watcher) User() *domain.User {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.user == nil {
		return nil
	}
	u := *w.user
	return &u
}

// Member is the user's member record as last observed.
func (w *Watcher) Member() *domain.Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.member == nil {
		return nil
	}
	m := *w.member
	return &m
}

func (w *Watcher) onRoom(s *docstore.Snapshot) {
	var room *domain.Room
	if s.Exists {
		r, err := docstore.Decode[domain.Room](s)
		if err != nil {
			log.Warn().Err(err).Str("module", "permission").Str("room", string(w.roomID)).Msg("undecodable room")
			return
		}
		room = r
	}
	w.mu.Lock()
	w.room = room
	w.mu.Unlock()
	w.recompute()
}

func (w *Watcher) onUser(ctx context.Context, u *domain.User) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	old := w.memberSub
	w.memberSub = nil
	w.user = u
	w.member = nil
	w.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	w.recompute()
	if u == nil {
		return
	}

	uid := u.ID
	sub, err := w.store.Watch(ctx, domain.MemberPath(w.roomID, uid), func(s *docstore.Snapshot) {
		w.onMember(uid, s)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "permission").Str("room", string(w.roomID)).Str("user", string(uid)).Msg("member watch failed")
		return
	}

	w.mu.Lock()
	if w.stopped || w.user == nil || w.user.ID != uid || w.memberSub != nil {
		w.mu.Unlock()
		sub.Stop()
		return
	}
	w.memberSub = sub
	w.mu.Unlock()
}

func (w *Watcher) onMember(uid domain.UserID, s *docstore.Snapshot) {
	var member *domain.Member
	if s.Exists {
		m, err := docstore.Decode[domain.Member](s)
		if err != nil {
			log.Warn().Err(err).Str("module", "permission").Str("room", string(w.roomID)).Msg("undecodable member")
			return
		}
		member = m
	}
	w.mu.Lock()
	if w.user == nil || w.user.ID != uid {
		w.mu.Unlock()
		return
	}
	w.member = member
	w.mu.Unlock()
	w.recompute()
}

func (w *Watcher) recompute() {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	eff := Evaluate(w.user, w.room, w.member)
	if w.last != nil && *w.last == eff {
		w.mu.Unlock()
		return
	}
	w.last = &eff
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(eff)
	}
}

// Stop releases every subscription. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	subs := []docstore.Subscription{w.roomSub, w.memberSub}
	stopAuth := w.stopAuth
	w.mu.Unlock()

	for _, s := range subs {
		if s != nil {
			s.Stop()
		}
	}
	if stopAuth != nil {
		stopAuth()
	}
}
