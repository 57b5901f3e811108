// Package app holds server-side bookkeeping shared by the adapters: who is
// connected to the store and how long the absent have been gone.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type ConnID string

type connEntry struct {
	User   domain.UserID
	Cancel context.CancelFunc
}

// Registry tracks open store connections per user.
type Registry struct {
	mu       sync.RWMutex
	conns    map[ConnID]*connEntry
	online   map[domain.UserID]int
	lastSeen map[domain.UserID]time.Time
	started  time.Time
	now      func() time.Time
}

func NewRegistry() *Registry {
	return newRegistry(time.Now)
}

func newRegistry(now func() time.Time) *Registry {
	return &Registry{
		conns:    make(map[ConnID]*connEntry),
		online:   make(map[domain.UserID]int),
		lastSeen: make(map[domain.UserID]time.Time),
		started:  now(),
		now:      now,
	}
}

func (r *Registry) Bind(id ConnID, user domain.UserID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.conns[id]; ok {
		r.release(prev.User)
	}
	r.conns[id] = &connEntry{User: user, Cancel: cancel}
	r.online[user]++
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user)).Msg("bound connection")
}

func (r *Registry) Unbind(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	r.release(e.User)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(e.User)).Msg("unbind connection")
}

func (r *Registry) release(user domain.UserID) {
	r.online[user]--
	if r.online[user] <= 0 {
		delete(r.online, user)
		r.lastSeen[user] = r.now()
	}
}

func (r *Registry) Online(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[user] > 0
}

// OfflineFor reports how long user has had no open connection. Users never
// seen count from the registry's creation.
func (r *Registry) OfflineFor(user domain.UserID) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.online[user] > 0 {
		return 0
	}
	since, ok := r.lastSeen[user]
	if !ok {
		since = r.started
	}
	return r.now().Sub(since)
}

// CancelUser closes every connection of user, for instance on sign-out.
func (r *Registry) CancelUser(user domain.UserID) int {
	r.mu.RLock()
	var cancels []context.CancelFunc
	for _, e := range r.conns {
		if e.User == user && e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		log.Info().Str("module", "app.registry").Str("user", string(user)).Int("conns", len(cancels)).Msg("canceled connections")
	}
	return len(cancels)
}

// Connections returns the number of open connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
