package domain

import "time"

type CallID string

type CallStatus string

const (
	CallOpen      CallStatus = "open"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

// SessionDescriptor is the negotiation payload exchanged between the two peers.
type SessionDescriptor struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is an opaque candidate record as published by a peer.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallSession is stored at rooms/{room}/calls/{id}. Only the caller writes
// Offer and only the callee writes Answer, so the two never race on a field.
type CallSession struct {
	ID              CallID             `json:"id"`
	CreatedAt       time.Time          `json:"createdAt"`
	CreatedByUserID UserID             `json:"createdByUserId"`
	Offer           *SessionDescriptor `json:"offer,omitempty"`
	Answer          *SessionDescriptor `json:"answer,omitempty"`
	Status          CallStatus         `json:"status"`
}

func (c *CallSession) Ended() bool { return c != nil && c.Status == CallEnded }

// VoiceChannelState is the per-room singleton at rooms/{room}/voice/current.
type VoiceChannelState struct {
	ActiveCallID    *CallID   `json:"activeCallId"`
	UpdatedAt       time.Time `json:"updatedAt"`
	UpdatedByUserID UserID    `json:"updatedByUserId"`
}

// VoicePresence marks a user as being inside the shared voice channel.
type VoicePresence struct {
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}
