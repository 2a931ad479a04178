package core

import "github.com/google/uuid"

// NewUUIDv7 returns a new time-ordered identifier.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
