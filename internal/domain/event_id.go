package domain

import "github.com/google/uuid"

// NewEventID returns a fresh unique identifier for an Event envelope.
func NewEventID() string {
	return uuid.NewString()
}
