package domain

import "time"

type RoomID string

// Room is stored at rooms/{id}. The four settings are pointers because rooms
// created before settings existed carry none of them; they are backfilled on
// first load.
type Room struct {
	ID          RoomID    `json:"id"`
	Name        string    `json:"name"`
	AdminUserID UserID    `json:"adminUserId"`
	JoinCode    string    `json:"joinCode"`
	CreatedAt   time.Time `json:"createdAt"`

	DefaultCanChat *bool `json:"defaultCanChat,omitempty"`
	DefaultCanCall *bool `json:"defaultCanCall,omitempty"`
	LockChat       *bool `json:"lockChat,omitempty"`
	LockCalls      *bool `json:"lockCalls,omitempty"`
}

// RoomSettings is the resolved, non-optional view of a room's settings.
type RoomSettings struct {
	DefaultCanChat bool `json:"defaultCanChat"`
	DefaultCanCall bool `json:"defaultCanCall"`
	LockChat       bool `json:"lockChat"`
	LockCalls      bool `json:"lockCalls"`
}

// DefaultRoomSettings is what every new room starts with.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{DefaultCanChat: true, DefaultCanCall: true}
}

// Settings fills absent values with the defaults.
func (r *Room) Settings() RoomSettings {
	s := DefaultRoomSettings()
	if r == nil {
		return s
	}
	if r.DefaultCanChat != nil {
		s.DefaultCanChat = *r.DefaultCanChat
	}
	if r.DefaultCanCall != nil {
		s.DefaultCanCall = *r.DefaultCanCall
	}
	if r.LockChat != nil {
		s.LockChat = *r.LockChat
	}
	if r.LockCalls != nil {
		s.LockCalls = *r.LockCalls
	}
	return s
}

// MissingSettings lists the settings fields absent from the stored document.
func (r *Room) MissingSettings() []string {
	var out []string
	if r.DefaultCanChat == nil {
		out = append(out, FieldDefaultCanChat)
	}
	if r.DefaultCanCall == nil {
		out = append(out, FieldDefaultCanCall)
	}
	if r.LockChat == nil {
		out = append(out, FieldLockChat)
	}
	if r.LockCalls == nil {
		out = append(out, FieldLockCalls)
	}
	return out
}

func (s RoomSettings) Fields() map[string]any {
	return map[string]any{
		FieldDefaultCanChat: s.DefaultCanChat,
		FieldDefaultCanCall: s.DefaultCanCall,
		FieldLockChat:       s.LockChat,
		FieldLockCalls:      s.LockCalls,
	}
}
