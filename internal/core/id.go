package core

import "github.com/google/uuid"

// NewID generates a UUID v7 so ids sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewShortID returns an 8-character random id for directory and object names.
func NewShortID() string {
	return uuid.New().String()[:8]
}
