package domain

import "time"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Capability is something a member may or may not be allowed to do in a room.
type Capability string

const (
	CapabilityChat Capability = "chat"
	CapabilityCall Capability = "call"
)

func (c Capability) Valid() bool {
	return c == CapabilityChat || c == CapabilityCall
}

// Member represents user's participation meta for a room.
// CanChat/CanCall are overrides; nil means "inherit the room default".
type Member struct {
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	CanChat     *bool     `json:"canChat,omitempty"`
	CanCall     *bool     `json:"canCall,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

func (m *Member) IsAdmin() bool {
	return m != nil && m.Role == RoleAdmin
}

// Override returns the member's override for c, nil when unset.
func (m *Member) Override(c Capability) *bool {
	if m == nil {
		return nil
	}
	switch c {
	case CapabilityChat:
		return m.CanChat
	case CapabilityCall:
		return m.CanCall
	}
	return nil
}

// OverrideField maps a capability to the member document field holding its override.
func OverrideField(c Capability) string {
	if c == CapabilityChat {
		return FieldCanChat
	}
	return FieldCanCall
}

// Message is one chat line, ordered by CreatedAt.
type Message struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	AuthorUserID UserID    `json:"authorUserId"`
	AuthorName   string    `json:"authorName"`
	CreatedAt    time.Time `json:"createdAt"`
}

const MaxMessageLen = 2000
