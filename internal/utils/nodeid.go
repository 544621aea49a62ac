package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewNodeID returns "node-" plus six random hex digits (24 bits).
func NewNodeID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "node-" + hex[:6]
}
