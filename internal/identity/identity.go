// Package identity supplies the signed-in user and notifies about auth changes.
package identity

import (
	"sync"

	"github.com/dkeye/huddle/internal/domain"
)

// Provider exposes the current user, nil when signed out.
type Provider interface {
	Current() *domain.User
	// Watch calls fn with the current user right away and again on every
	// sign-in or sign-out. The returned func unsubscribes.
	Watch(fn func(*domain.User)) (stop func())
}

// Static is an in-process Provider. Sign-in state is set by the caller.
type Static struct {
	mu       sync.Mutex
	user     *domain.User
	nextID   int
	watchers map[int]func(*domain.User)
}

func NewStatic(u *domain.User) *Static {
	return &Static{user: copyUser(u), watchers: make(map[int]func(*domain.User))}
}

func copyUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func (s *Static) Current() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyUser(s.user)
}

func (s *Static) SignIn(u *domain.User) { s.set(u) }

func (s *Static) SignOut() { s.set(nil) }

func (s *Static) set(u *domain.User) {
	s.mu.Lock()
	s.user = copyUser(u)
	fns := make([]func(*domain.User), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(copyUser(u))
	}
}

func (s *Static) Watch(fn func(*domain.User)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	current := copyUser(s.user)
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

var _ Provider = (*Static)(nil)
