package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// GenerateConnectionID generates an id for a signaling connection
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateInstanceID generates an id for a server process
func GenerateInstanceID() string {
	return GenerateID("instance")
}

// GenerateHandleID generates an engine handle id (transport, producer or consumer).
// Handle ids are bare UUIDs so they read like the ids media engines hand out.
func GenerateHandleID() string {
	return uuid.NewString()
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
