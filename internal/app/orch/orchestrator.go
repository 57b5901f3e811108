// Package orch ties permissions, the session directory and signaling into
// the two call flows: a room's shared voice channel and standalone calls.
package orch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/app/directory"
	"github.com/dkeye/huddle/internal/app/rooms"
	"github.com/dkeye/huddle/internal/app/signaling"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/rs/zerolog/log"
)

const presenceCleanupTimeout = 2 * time.Second

type Options struct {
	// StrictClaim takes the voice channel pointer with a compare-and-set.
	StrictClaim bool
	// PublicURL is the base of share links.
	PublicURL string
}

type Orchestrator struct {
	Identity  identity.Provider
	Rooms     *rooms.Service
	Directory *directory.Directory
	Engine    *signaling.Engine
	Options   Options

	mu    sync.Mutex
	voice map[domain.RoomID]*signaling.Call
	calls map[domain.CallID]*signaling.Call
}

func New(ids identity.Provider, rs *rooms.Service, dir *directory.Directory, engine *signaling.Engine, opts Options) *Orchestrator {
	return &Orchestrator{
		Identity:  ids,
		Rooms:     rs,
		Directory: dir,
		Engine:    engine,
		Options:   opts,
		voice:     make(map[domain.RoomID]*signaling.Call),
		calls:     make(map[domain.CallID]*signaling.Call),
	}
}

// authorize returns the signed-in user when they may call in room.
func (o *Orchestrator) authorize(ctx context.Context, room domain.RoomID) (*domain.User, error) {
	u := o.Identity.Current()
	if u == nil {
		return nil, core.ErrNotSignedIn
	}
	eff, err := o.Rooms.Effective(ctx, room)
	if err != nil {
		return nil, err
	}
	if !eff.CanCall {
		return nil, fmt.Errorf("%w: call", core.ErrPermissionDenied)
	}
	return u, nil
}

// Shutdown tears down every local call and retracts voice presence in the
// background. The returned channel closes when retraction settles; callers
// that are exiting need not wait for it.
func (o *Orchestrator) Shutdown() <-chan struct{} {
	o.mu.Lock()
	voice := o.voice
	calls := o.calls
	o.voice = make(map[domain.RoomID]*signaling.Call)
	o.calls = make(map[domain.CallID]*signaling.Call)
	o.mu.Unlock()

	for _, c := range calls {
		c.Teardown()
	}
	for _, c := range voice {
		c.Teardown()
	}

	done := make(chan struct{})
	u := o.Identity.Current()
	if u == nil || len(voice) == 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), presenceCleanupTimeout)
		defer cancel()
		for room := range voice {
			if err := o.Directory.RetractPresence(ctx, room, u.ID); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("room", string(room)).Msg("presence cleanup failed")
			}
		}
	}()
	return done
}

// ShareLink is the address other participants use to join a standalone call.
func ShareLink(publicURL string, room domain.RoomID, call domain.CallID) string {
	return fmt.Sprintf("%s/call/%s/%s", strings.TrimRight(publicURL, "/"), url.PathEscape(string(room)), url.PathEscape(string(call)))
}

// ParseShareLink extracts the room and call ids from a share link.
func ParseShareLink(link string) (domain.RoomID, domain.CallID, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	n := len(parts)
	if n < 3 || parts[n-3] != "call" || parts[n-2] == "" || parts[n-1] == "" {
		return "", "", fmt.Errorf("not a call link: %q", link)
	}
	room, err := url.PathUnescape(parts[n-2])
	if err != nil {
		return "", "", err
	}
	call, err := url.PathUnescape(parts[n-1])
	if err != nil {
		return "", "", err
	}
	return domain.RoomID(room), domain.CallID(call), nil
}
