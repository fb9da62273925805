package polos

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for agent run ids and other runtime-local identifiers.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewExecutionID generates a random UUIDv4. Execution ids use v4 so the
// deterministic trace id derived from them carries no timestamp structure.
func NewExecutionID() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
