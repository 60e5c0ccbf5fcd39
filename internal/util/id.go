package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// NewOrderedID returns a UUIDv7 string. IDs from one process sort in
// generation order, even within the same millisecond.
func NewOrderedID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsID reports whether s parses as a UUID.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
