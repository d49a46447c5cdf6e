// Package typing relays typing indicators between the two participants of a
// conversation. It keeps no state: debouncing is the client's job.
package typing

import (
	"errors"

	"chatrelay/internal/models"
	"chatrelay/internal/registry"
)

var ErrSelfTyping = errors.New("cannot send typing indicator to yourself")

type connLookup interface {
	Lookup(userID string) (registry.Conn, bool)
}

type Coordinator struct {
	conns connLookup
}

func NewCoordinator(conns connLookup) *Coordinator {
	return &Coordinator{conns: conns}
}

// SetTyping forwards the indicator to the receiver if it is online and drops
// it otherwise. It reports whether the indicator was queued.
func (c *Coordinator) SetTyping(senderID, receiverID string, isTyping bool) (bool, error) {
	if senderID == receiverID {
		return false, ErrSelfTyping
	}

	conn, ok := c.conns.Lookup(receiverID)
	if !ok {
		return false, nil
	}
	if err := conn.Send(models.UserTypingEvent(senderID, isTyping)); err != nil {
		return false, nil
	}
	return true, nil
}
