package sealbox

import (
	"github.com/google/uuid"
)

// NewRequestID generates a UUIDv7 (time-ordered) identifier for outgoing
// requests. Time-ordered IDs keep the gossip_requests table in roughly
// chronological scan order.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// ParseRequestID parses a request ID string
func ParseRequestID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// IsValidRequestID checks if a string is a valid request ID
func IsValidRequestID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
