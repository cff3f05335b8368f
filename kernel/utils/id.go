package utils

import "github.com/google/uuid"

// GenerateID returns a random run identifier
func GenerateID() string {
	return uuid.NewString()
}
