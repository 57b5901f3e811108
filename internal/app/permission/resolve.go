// Package permission computes what a user may do in a room.
package permission

import "github.com/dkeye/huddle/internal/domain"

// Resolve reports whether user holds capability c in room. Rules, first match wins:
//
//  1. no signed-in user: denied
//  2. room admin: allowed
//  3. room lock for c: denied, overrides included
//  4. member override for c: its value
//  5. room default for c, true for rooms without settings
//
// A member record that belongs to another user is ignored.
func Resolve(c domain.Capability, user *domain.User, room *domain.Room, member *domain.Member) bool {
	if user == nil {
		return false
	}
	if member != nil && member.UserID != user.ID {
		member = nil
	}
	if member.IsAdmin() {
		return true
	}

	s := room.Settings()
	locked, def := s.LockChat, s.DefaultCanChat
	if c == domain.CapabilityCall {
		locked, def = s.LockCalls, s.DefaultCanCall
	}
	if locked {
		return false
	}
	if o := member.Override(c); o != nil {
		return *o
	}
	return def
}

// Effective is the resolved capability set of one user in one room.
type Effective struct {
	CanChat bool `json:"canChat"`
	CanCall bool `json:"canCall"`
}

func Evaluate(user *domain.User, room *domain.Room, member *domain.Member) Effective {
	return Effective{
		CanChat: Resolve(domain.CapabilityChat, user, room, member),
		CanCall: Resolve(domain.CapabilityCall, user, room, member),
	}
}

func (e Effective) Allows(c domain.Capability) bool {
	if c == domain.CapabilityChat {
		return e.CanChat
	}
	return e.CanCall
}
