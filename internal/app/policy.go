package app

import "github.com/dkeye/huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	// Disconnect closes the connection; the client resubscribes on reconnect.
	Disconnect
)

// Policy decides what happens to a store connection whose outgoing queue is full.
type Policy interface {
	OnBackpressure(user domain.UserID, queued int) BackpressureAction
}

// SimplePolicy disconnects every slow consumer.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.UserID, int) BackpressureAction {
	return Disconnect
}
