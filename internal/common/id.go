package common

import (
	"github.com/google/uuid"
)

// NewCorrelationID generates a unique correlation ID for bus messages
// Format: corr_<uuid>
func NewCorrelationID() string {
	return "corr_" + uuid.New().String()
}
